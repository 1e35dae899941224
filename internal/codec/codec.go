// Package codec holds the little-endian cursor and error type shared by the
// characteristic payload decoders.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/blesense/internal/ieee11073"
)

// DecodeError reports a malformed characteristic payload. Decoders return it
// instead of a partially filled record.
type DecodeError struct {
	Characteristic string // human readable name, e.g. "cgm measurement"
	Reason         string
	Len            int // payload length
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s (%d bytes): %s", e.Characteristic, e.Len, e.Reason)
}

// Errorf builds a *DecodeError for the given payload.
func Errorf(characteristic string, data []byte, format string, args ...any) error {
	return &DecodeError{Characteristic: characteristic, Reason: fmt.Sprintf(format, args...), Len: len(data)}
}

// Reader is a sticky-error little-endian cursor over a payload. After the first
// short read every accessor returns zero and Err reports the failure.
type Reader struct {
	name string
	buf  []byte
	off  int
	err  error
}

// NewReader returns a Reader over data. The name appears in decode errors.
func NewReader(name string, data []byte) *Reader {
	return &Reader{name: name, buf: data}
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = &DecodeError{
			Characteristic: r.name,
			Reason:         fmt.Sprintf("short buffer reading %s at offset %d", what, r.off),
			Len:            len(r.buf),
		}
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	if b := r.take(1, "uint8"); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) Uint16() uint16 {
	if b := r.take(2, "uint16"); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) Uint24() uint32 {
	if b := r.take(3, "uint24"); b != nil {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	}
	return 0
}

func (r *Reader) Uint32() uint32 {
	if b := r.take(4, "uint32"); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// SFloat reads an IEEE-11073 16-bit SFLOAT.
func (r *Reader) SFloat() float32 {
	if b := r.take(2, "sfloat"); b != nil {
		return ieee11073.DecodeSFloat(binary.LittleEndian.Uint16(b))
	}
	return 0
}

// Float reads an IEEE-11073 32-bit FLOAT.
func (r *Reader) Float() float32 {
	if b := r.take(4, "float"); b != nil {
		return ieee11073.DecodeFloat(binary.LittleEndian.Uint32(b))
	}
	return 0
}

// Bytes reads n raw bytes. The returned slice aliases the payload.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n, fmt.Sprintf("%d bytes", n))
}

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}

// Err returns the first short-read error, if any.
func (r *Reader) Err() error { return r.err }

// AppendSFloat appends v as a little-endian SFLOAT.
func AppendSFloat(b []byte, v float32) ([]byte, error) {
	raw, err := ieee11073.EncodeSFloat(v)
	if err != nil {
		return b, err
	}
	return binary.LittleEndian.AppendUint16(b, raw), nil
}

// AppendFloat appends v as a little-endian FLOAT.
func AppendFloat(b []byte, v float32) ([]byte, error) {
	raw, err := ieee11073.EncodeFloat(v)
	if err != nil {
		return b, err
	}
	return binary.LittleEndian.AppendUint32(b, raw), nil
}

// AppendUint24 appends the low 24 bits of v little-endian.
func AppendUint24(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}
