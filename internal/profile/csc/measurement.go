package csc

import (
	"github.com/srg/blesense/internal/codec"
)

// WheelData is the cumulative wheel revolution block of a CSC measurement.
type WheelData struct {
	Revolutions uint32
	// LastEventTime is in 1/1024 s and wraps at 64 s.
	LastEventTime uint16
}

// CrankData is the cumulative crank revolution block of a CSC measurement.
type CrankData struct {
	Revolutions   uint16
	LastEventTime uint16
}

// Measurement is a decoded CSC measurement (2a5b).
type Measurement struct {
	Wheel *WheelData
	Crank *CrankData
}

const (
	flagWheel = 0x01
	flagCrank = 0x02
)

func (m *Measurement) UnmarshalBinary(data []byte) error {
	// https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
	r := codec.NewReader("csc measurement", data)
	flags := r.Uint8()

	var out Measurement
	if flags&flagWheel != 0 {
		out.Wheel = &WheelData{Revolutions: r.Uint32(), LastEventTime: r.Uint16()}
	}
	if flags&flagCrank != 0 {
		out.Crank = &CrankData{Revolutions: r.Uint16(), LastEventTime: r.Uint16()}
	}
	if err := r.Err(); err != nil {
		return err
	}
	*m = out
	return nil
}

func (m Measurement) MarshalBinary() ([]byte, error) {
	var flags byte
	if m.Wheel != nil {
		flags |= flagWheel
	}
	if m.Crank != nil {
		flags |= flagCrank
	}
	b := []byte{flags}
	if w := m.Wheel; w != nil {
		b = append(b,
			byte(w.Revolutions), byte(w.Revolutions>>8), byte(w.Revolutions>>16), byte(w.Revolutions>>24),
			byte(w.LastEventTime), byte(w.LastEventTime>>8))
	}
	if c := m.Crank; c != nil {
		b = append(b,
			byte(c.Revolutions), byte(c.Revolutions>>8),
			byte(c.LastEventTime), byte(c.LastEventTime>>8))
	}
	return b, nil
}

// Feature is the CSC feature bit field (2a5c).
type Feature uint16

const (
	FeatureWheelRevolutions Feature = 1 << iota
	FeatureCrankRevolutions
	FeatureMultipleSensorLocations
)

func (f Feature) Has(bit Feature) bool { return f&bit != 0 }

// ParseFeature decodes the CSC feature characteristic.
func ParseFeature(data []byte) (Feature, error) {
	r := codec.NewReader("csc feature", data)
	f := Feature(r.Uint16())
	return f, r.Err()
}
