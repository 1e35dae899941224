package rscs

import (
	"github.com/srg/blesense/internal/codec"
)

// Measurement is a decoded RSC measurement (2a53).
type Measurement struct {
	// Speed is the instantaneous speed in 1/256 m/s.
	Speed uint16
	// Cadence is the instantaneous cadence in steps per minute.
	Cadence uint8
	// StrideLength is the instantaneous stride length in centimetres, nil when absent.
	StrideLength *uint16
	// TotalDistance is in decimetres, nil when absent.
	TotalDistance *uint32
	Running       bool
}

const (
	flagStrideLength  = 0x01
	flagTotalDistance = 0x02
	flagRunning       = 0x04
)

func (m *Measurement) UnmarshalBinary(data []byte) error {
	// https://www.bluetooth.com/specifications/specs/running-speed-and-cadence-service-1-0/
	r := codec.NewReader("rsc measurement", data)
	flags := r.Uint8()

	out := Measurement{
		Speed:   r.Uint16(),
		Cadence: r.Uint8(),
		Running: flags&flagRunning != 0,
	}
	if flags&flagStrideLength != 0 {
		v := r.Uint16()
		out.StrideLength = &v
	}
	if flags&flagTotalDistance != 0 {
		v := r.Uint32()
		out.TotalDistance = &v
	}
	if err := r.Err(); err != nil {
		return err
	}
	*m = out
	return nil
}

func (m Measurement) MarshalBinary() ([]byte, error) {
	var flags byte
	if m.StrideLength != nil {
		flags |= flagStrideLength
	}
	if m.TotalDistance != nil {
		flags |= flagTotalDistance
	}
	if m.Running {
		flags |= flagRunning
	}

	b := []byte{flags, byte(m.Speed), byte(m.Speed >> 8), m.Cadence}
	if m.StrideLength != nil {
		b = append(b, byte(*m.StrideLength), byte(*m.StrideLength>>8))
	}
	if m.TotalDistance != nil {
		d := *m.TotalDistance
		b = append(b, byte(d), byte(d>>8), byte(d>>16), byte(d>>24))
	}
	return b, nil
}

// SpeedMetersPerSecond converts Speed to m/s.
func (m Measurement) SpeedMetersPerSecond() float64 {
	return float64(m.Speed) / 256
}

// TotalDistanceMeters returns the total distance in metres.
func (m Measurement) TotalDistanceMeters() (float64, bool) {
	if m.TotalDistance == nil {
		return 0, false
	}
	return float64(*m.TotalDistance) / 10, true
}

// Steps derives the number of steps from the total distance and the current
// stride length. It reports false when either is unknown.
func (m Measurement) Steps() (uint64, bool) {
	if m.TotalDistance == nil || m.StrideLength == nil || *m.StrideLength == 0 {
		return 0, false
	}
	// decimetres to centimetres
	return uint64(*m.TotalDistance) * 10 / uint64(*m.StrideLength), true
}

// Feature is the RSC feature bit field (2a54).
type Feature uint16

const (
	FeatureStrideLength Feature = 1 << iota
	FeatureTotalDistance
	FeatureWalkingOrRunningStatus
	FeatureCalibrationProcedure
	FeatureMultipleSensorLocations
)

func (f Feature) Has(bit Feature) bool { return f&bit != 0 }

// ParseFeature decodes the RSC feature characteristic.
func ParseFeature(data []byte) (Feature, error) {
	r := codec.NewReader("rsc feature", data)
	f := Feature(r.Uint16())
	return f, r.Err()
}
