package hts

import (
	"fmt"
	"time"

	"github.com/srg/blesense/internal/codec"
)

// Unit is a temperature scale.
type Unit uint8

const (
	Celsius Unit = iota
	Fahrenheit
	Kelvin
)

func (u Unit) String() string {
	switch u {
	case Celsius:
		return "celsius"
	case Fahrenheit:
		return "fahrenheit"
	case Kelvin:
		return "kelvin"
	default:
		return fmt.Sprintf("Unit(%d)", uint8(u))
	}
}

// Symbol returns the display suffix for u.
func (u Unit) Symbol() string {
	switch u {
	case Fahrenheit:
		return "°F"
	case Kelvin:
		return "K"
	default:
		return "°C"
	}
}

// ParseUnit parses a unit name as used in the configuration file.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "celsius", "c":
		return Celsius, nil
	case "fahrenheit", "f":
		return Fahrenheit, nil
	case "kelvin", "k":
		return Kelvin, nil
	default:
		return Celsius, fmt.Errorf("unknown temperature unit %q", s)
	}
}

// TemperatureType is the body location of a measurement.
type TemperatureType uint8

// TypeUnspecified marks a measurement without the temperature type field.
const (
	TypeUnspecified TemperatureType = iota
	TypeArmpit
	TypeBody
	TypeEar
	TypeFinger
	TypeGastroIntestinal
	TypeMouth
	TypeRectum
	TypeToe
	TypeTympanum
)

var typeNames = [...]string{
	"unspecified", "armpit", "body", "ear", "finger",
	"gastro-intestinal", "mouth", "rectum", "toe", "tympanum",
}

func (t TemperatureType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("TemperatureType(%d)", uint8(t))
}

// Measurement is a decoded temperature measurement (2a1c).
type Measurement struct {
	Temperature float32
	// Unit is the scale the thermometer reported in, Celsius or Fahrenheit.
	Unit Unit
	// Timestamp is zero when the thermometer did not send one.
	Timestamp time.Time
	Type      TemperatureType
}

const (
	flagFahrenheit = 0x01
	flagTimestamp  = 0x02
	flagType       = 0x04
)

func (m *Measurement) UnmarshalBinary(data []byte) error {
	// https://www.bluetooth.com/specifications/specs/health-thermometer-service-1-0/
	r := codec.NewReader("temperature measurement", data)
	flags := r.Uint8()

	var out Measurement
	out.Temperature = r.Float()
	if flags&flagFahrenheit != 0 {
		out.Unit = Fahrenheit
	}
	if flags&flagTimestamp != 0 {
		year := r.Uint16()
		month, day := r.Uint8(), r.Uint8()
		hour, minute, second := r.Uint8(), r.Uint8(), r.Uint8()
		out.Timestamp = time.Date(int(year), time.Month(month), int(day), int(hour), int(minute), int(second), 0, time.UTC)
	}
	if flags&flagType != 0 {
		out.Type = TemperatureType(r.Uint8())
	}
	if err := r.Err(); err != nil {
		return err
	}
	*m = out
	return nil
}

func (m Measurement) MarshalBinary() ([]byte, error) {
	var flags byte
	if m.Unit == Fahrenheit {
		flags |= flagFahrenheit
	} else if m.Unit != Celsius {
		return nil, fmt.Errorf("temperature measurement cannot carry unit %s", m.Unit)
	}
	if !m.Timestamp.IsZero() {
		flags |= flagTimestamp
	}
	if m.Type != TypeUnspecified {
		flags |= flagType
	}

	b, err := codec.AppendFloat([]byte{flags}, m.Temperature)
	if err != nil {
		return nil, err
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp.UTC()
		b = append(b, byte(ts.Year()), byte(ts.Year()>>8),
			byte(ts.Month()), byte(ts.Day()),
			byte(ts.Hour()), byte(ts.Minute()), byte(ts.Second()))
	}
	if m.Type != TypeUnspecified {
		b = append(b, byte(m.Type))
	}
	return b, nil
}

// Celsius returns the measured temperature in degrees Celsius.
func (m Measurement) Celsius() float32 {
	if m.Unit == Fahrenheit {
		return (m.Temperature - 32) * 5 / 9
	}
	return m.Temperature
}

// In converts the measured temperature to unit.
func (m Measurement) In(unit Unit) float32 {
	c := m.Celsius()
	switch unit {
	case Fahrenheit:
		return c*9/5 + 32
	case Kelvin:
		return c + 273.15
	default:
		return c
	}
}
