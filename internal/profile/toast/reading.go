package toast

import (
	"github.com/srg/blesense/internal/codec"
)

// Reading is a decoded toast temperature or target temperature notification.
// Both characteristics share the heart-rate style layout.
type Reading struct {
	Value            uint16
	ContactSupported bool
	SensorContact    bool
	// EnergyExpended is nil when the field is absent.
	EnergyExpended *uint16
	// RRIntervals is nil when the field is absent or empty.
	RRIntervals []uint16
}

// Flags Field
// | 0x10 | 0x8 | 0x4  0x2 | 0x1 |
// |  rr  | nrg | scs  cnt | fmt |
const (
	flagWide             = 0x01
	flagContact          = 0x02
	flagContactSupported = 0x04
	flagEnergy           = 0x08
	flagRR               = 0x10
)

// decodeReading decodes data, naming the characteristic in errors.
// An odd trailing byte after the RR interval list is ignored.
func decodeReading(name string, data []byte) (Reading, error) {
	r := codec.NewReader(name, data)
	flags := r.Uint8()

	var out Reading
	if flags&flagWide != 0 {
		out.Value = r.Uint16()
	} else {
		out.Value = uint16(r.Uint8())
	}
	out.ContactSupported = flags&flagContactSupported != 0
	out.SensorContact = flags&(flagContact|flagContactSupported) == flagContact|flagContactSupported
	if flags&flagEnergy != 0 {
		e := r.Uint16()
		out.EnergyExpended = &e
	}
	if err := r.Err(); err != nil {
		return Reading{}, err
	}

	if flags&flagRR != 0 {
		n := r.Remaining() / 2
		for i := 0; i < n; i++ {
			out.RRIntervals = append(out.RRIntervals, r.Uint16())
		}
	}
	return out, nil
}

func (m Reading) encode() []byte {
	var flags byte
	if m.Value > 0xFF {
		flags |= flagWide
	}
	if m.ContactSupported {
		flags |= flagContactSupported
		if m.SensorContact {
			flags |= flagContact
		}
	}
	if m.EnergyExpended != nil {
		flags |= flagEnergy
	}
	if len(m.RRIntervals) > 0 {
		flags |= flagRR
	}

	b := []byte{flags}
	if flags&flagWide != 0 {
		b = append(b, byte(m.Value), byte(m.Value>>8))
	} else {
		b = append(b, byte(m.Value))
	}
	if m.EnergyExpended != nil {
		b = append(b, byte(*m.EnergyExpended), byte(*m.EnergyExpended>>8))
	}
	for _, rr := range m.RRIntervals {
		b = append(b, byte(rr), byte(rr>>8))
	}
	return b
}

// Temperature is a toast temperature notification (…1525…).
type Temperature struct{ Reading }

func (t *Temperature) UnmarshalBinary(data []byte) error {
	r, err := decodeReading("toast temperature", data)
	if err != nil {
		return err
	}
	t.Reading = r
	return nil
}

func (t Temperature) MarshalBinary() ([]byte, error) { return t.encode(), nil }

// TargetTemperature is a toast target temperature notification (…1527…).
type TargetTemperature struct{ Reading }

func (t *TargetTemperature) UnmarshalBinary(data []byte) error {
	r, err := decodeReading("toast target temperature", data)
	if err != nil {
		return err
	}
	t.Reading = r
	return nil
}

func (t TargetTemperature) MarshalBinary() ([]byte, error) { return t.encode(), nil }
