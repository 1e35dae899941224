package csc

// DefaultWheelSizeMM is the circumference of a 700x23C road wheel.
const DefaultWheelSizeMM = 2340

// Data is the ride state derived from consecutive measurements.
type Data struct {
	// Speed is in m/s.
	Speed float64
	// Distance is the distance covered during this session, in metres.
	Distance float64
	// TotalDistance is the sensor's lifetime distance, in metres.
	TotalDistance float64
	// Cadence is the crank cadence in rpm.
	Cadence float64
	// GearRatio is wheel revolutions per crank revolution, 0 until both are known.
	GearRatio float64
	// WheelSizeMM is the circumference used for the figures above.
	WheelSizeMM uint32
}

// Calculator turns cumulative revolution counters into speed, distance and cadence.
// The zero value is not usable; use NewCalculator.
type Calculator struct {
	wheelSizeMM uint32

	firstWheelRevs int64
	lastWheelRevs  int64
	lastWheelTime  uint16
	wheelCadence   float64

	lastCrankRevs int64
	lastCrankTime uint16

	data Data
}

// NewCalculator returns a Calculator for a wheel of the given circumference.
func NewCalculator(wheelSizeMM uint32) *Calculator {
	if wheelSizeMM == 0 {
		wheelSizeMM = DefaultWheelSizeMM
	}
	c := &Calculator{wheelSizeMM: wheelSizeMM}
	c.Reset()
	return c
}

// Reset forgets previous counters. The wheel size is kept.
func (c *Calculator) Reset() {
	c.firstWheelRevs = -1
	c.lastWheelRevs = -1
	c.lastCrankRevs = -1
	c.wheelCadence = 0
	c.data = Data{WheelSizeMM: c.wheelSizeMM}
}

// SetWheelSize changes the circumference used for subsequent measurements.
func (c *Calculator) SetWheelSize(mm uint32) {
	if mm == 0 {
		return
	}
	c.wheelSizeMM = mm
	c.data.WheelSizeMM = mm
}

// Add folds m into the derived data and returns the new state.
func (c *Calculator) Add(m Measurement) Data {
	if m.Wheel != nil {
		c.addWheel(*m.Wheel)
	}
	if m.Crank != nil {
		c.addCrank(*m.Crank)
	}
	return c.data
}

func (c *Calculator) circumference() float64 { return float64(c.wheelSizeMM) / 1000 }

func (c *Calculator) addWheel(w WheelData) {
	revs := int64(w.Revolutions)
	if c.firstWheelRevs < 0 {
		c.firstWheelRevs = revs
	}
	c.data.TotalDistance = float64(revs) * c.circumference()
	c.data.Distance = float64(revs-c.firstWheelRevs) * c.circumference()

	if c.lastWheelRevs >= 0 && w.LastEventTime != c.lastWheelTime {
		// uint16 subtraction handles the 64 s rollover
		dt := float64(w.LastEventTime-c.lastWheelTime) / 1024
		dRevs := float64(revs - c.lastWheelRevs)
		c.data.Speed = dRevs * c.circumference() / dt
		c.wheelCadence = dRevs * 60 / dt
	}
	c.lastWheelRevs = revs
	c.lastWheelTime = w.LastEventTime
}

func (c *Calculator) addCrank(cr CrankData) {
	revs := int64(cr.Revolutions)
	if c.lastCrankRevs >= 0 && cr.LastEventTime != c.lastCrankTime {
		dt := float64(cr.LastEventTime-c.lastCrankTime) / 1024
		dRevs := float64(uint16(cr.Revolutions - uint16(c.lastCrankRevs)))
		c.data.Cadence = dRevs * 60 / dt
		if c.data.Cadence > 0 && c.wheelCadence > 0 {
			c.data.GearRatio = c.wheelCadence / c.data.Cadence
		}
	}
	c.lastCrankRevs = revs
	c.lastCrankTime = cr.LastEventTime
}
