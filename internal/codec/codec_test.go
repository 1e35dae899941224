package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Sequence(t *testing.T) {
	r := NewReader("test", []byte{0x01, 0x34, 0x12, 0x03, 0x02, 0x01, 0x78, 0x56, 0x34, 0x12, 0xAA})

	assert.Equal(t, uint8(0x01), r.Uint8())
	assert.Equal(t, uint16(0x1234), r.Uint16())
	assert.Equal(t, uint32(0x010203), r.Uint24())
	assert.Equal(t, uint32(0x12345678), r.Uint32())
	assert.Equal(t, 1, r.Remaining())
	assert.Equal(t, []byte{0xAA}, r.Bytes(1))
	assert.NoError(t, r.Err())
	assert.Equal(t, 11, r.Offset())
}

func TestReader_ShortBufferIsSticky(t *testing.T) {
	r := NewReader("battery level", []byte{0x01})
	_ = r.Uint16()
	require.Error(t, r.Err())

	assert.Equal(t, uint8(0), r.Uint8(), "reads after an error MUST return zero")
	assert.Equal(t, 0, r.Remaining())

	var de *DecodeError
	require.True(t, errors.As(r.Err(), &de))
	assert.Equal(t, "battery level", de.Characteristic)
	assert.Equal(t, 1, de.Len)
	assert.Contains(t, de.Error(), "short buffer reading uint16 at offset 0")
}

func TestAppendSFloat_RoundTrip(t *testing.T) {
	b, err := AppendSFloat(nil, 12.3)
	require.NoError(t, err)
	b, err = AppendFloat(b, 36.6)
	require.NoError(t, err)
	b = AppendUint24(b, 0x00ABCDEF)

	r := NewReader("test", b)
	assert.Equal(t, float32(12.3), r.SFloat())
	assert.Equal(t, float32(36.6), r.Float())
	assert.Equal(t, uint32(0xABCDEF), r.Uint24())
	assert.NoError(t, r.Err())
}

func TestErrorf(t *testing.T) {
	err := Errorf("racp", []byte{1, 2}, "unknown op code 0x%02x", 0x7f)
	assert.EqualError(t, err, "decode racp (2 bytes): unknown op code 0x7f")
}
