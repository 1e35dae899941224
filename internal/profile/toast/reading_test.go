package toast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blesense/internal/codec"
)

func u16(v uint16) *uint16 { return &v }

func TestReading_RoundTrip(t *testing.T) {
	// value width x contact x energy x rr
	for combo := 0; combo < 32; combo++ {
		r := Reading{Value: 180}
		if combo&0x1 != 0 {
			r.Value = 0x0123
		}
		if combo&0x2 != 0 {
			r.ContactSupported = true
			r.SensorContact = combo&0x10 != 0
		}
		if combo&0x4 != 0 {
			r.EnergyExpended = u16(512)
		}
		if combo&0x8 != 0 {
			r.RRIntervals = []uint16{1024, 980, 1001}
		}

		data, err := Temperature{r}.MarshalBinary()
		require.NoError(t, err)

		var got Temperature
		require.NoError(t, got.UnmarshalBinary(data))
		assert.Equal(t, r, got.Reading, "combination %d MUST round-trip", combo)

		var target TargetTemperature
		require.NoError(t, target.UnmarshalBinary(data))
		assert.Equal(t, r, target.Reading)
	}
}

func TestReading_Decode(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Reading
	}{
		{
			name: "8-bit value",
			data: []byte{0x00, 0xC8},
			want: Reading{Value: 200},
		},
		{
			name: "16-bit value with contact",
			data: []byte{0x07, 0x2C, 0x01},
			want: Reading{Value: 300, ContactSupported: true, SensorContact: true},
		},
		{
			name: "contact bit without support",
			data: []byte{0x02, 0x10},
			want: Reading{Value: 16},
		},
		{
			name: "energy then rr",
			data: []byte{0x18, 0x50, 0x0A, 0x00, 0x00, 0x04, 0xE8, 0x03},
			want: Reading{Value: 80, EnergyExpended: u16(10), RRIntervals: []uint16{1024, 1000}},
		},
		{
			name: "odd trailing rr byte truncated",
			data: []byte{0x10, 0x50, 0x00, 0x04, 0xE8},
			want: Reading{Value: 80, RRIntervals: []uint16{1024}},
		},
		{
			name: "rr flag without intervals",
			data: []byte{0x10, 0x50},
			want: Reading{Value: 80},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Temperature
			require.NoError(t, got.UnmarshalBinary(tt.data))
			assert.Equal(t, tt.want, got.Reading)
		})
	}
}

func TestReading_ShortBuffers(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "flags only", data: []byte{0x00}},
		{name: "16-bit value truncated", data: []byte{0x01, 0x2C}},
		{name: "energy truncated", data: []byte{0x08, 0x50, 0x0A}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got TargetTemperature
			err := got.UnmarshalBinary(tt.data)
			var de *codec.DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "toast target temperature", de.Characteristic)
			assert.Equal(t, TargetTemperature{}, got)
		})
	}
}
