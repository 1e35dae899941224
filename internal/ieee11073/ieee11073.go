// Package ieee11073 implements the medical number formats carried by the
// health GATT profiles: the 16-bit SFLOAT and 32-bit FLOAT types, plus the
// CRC-16 used for CGM end-to-end protection.
package ieee11073

import (
	"errors"
	"math"
)

// ErrOutOfRange is returned when a value cannot be represented in the target format.
var ErrOutOfRange = errors.New("ieee11073: value out of range")

// Reserved SFLOAT encodings (exponent 0).
const (
	SFloatNaN    uint16 = 0x07FF
	SFloatNRes   uint16 = 0x0800
	SFloatPosInf uint16 = 0x07FE
	SFloatNegInf uint16 = 0x0802
	sfloatRsvd   uint16 = 0x0801
)

// Reserved FLOAT encodings (exponent 0).
const (
	FloatNaN    uint32 = 0x007FFFFF
	FloatNRes   uint32 = 0x00800000
	FloatPosInf uint32 = 0x007FFFFE
	FloatNegInf uint32 = 0x00800002
	floatRsvd   uint32 = 0x00800001
)

const (
	sfloatMantissaMax = 0x07FD // largest mantissa not colliding with a reserved value
	sfloatExpMin      = -8
	sfloatExpMax      = 7

	floatMantissaMax = 0x007FFFFD
	floatExpMin      = -128
	floatExpMax      = 127
)

// DecodeSFloat converts a raw SFLOAT (4-bit exponent, 12-bit mantissa, both
// two's complement) to float32. Reserved encodings map to NaN or ±Inf.
func DecodeSFloat(raw uint16) float32 {
	switch raw {
	case SFloatNaN, SFloatNRes, sfloatRsvd:
		return float32(math.NaN())
	case SFloatPosInf:
		return float32(math.Inf(1))
	case SFloatNegInf:
		return float32(math.Inf(-1))
	}

	mantissa := int32(raw & 0x0FFF)
	if mantissa >= 0x0800 {
		mantissa -= 0x1000
	}
	exponent := int(raw >> 12)
	if exponent >= 0x8 {
		exponent -= 0x10
	}
	return float32(scale(float64(mantissa), exponent))
}

// EncodeSFloat converts v to the SFLOAT with the finest exponent that can hold it.
func EncodeSFloat(v float32) (uint16, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return SFloatNaN, nil
	case math.IsInf(f, 1):
		return SFloatPosInf, nil
	case math.IsInf(f, -1):
		return SFloatNegInf, nil
	}

	mantissa, exponent, ok := fit(f, sfloatMantissaMax, sfloatExpMin, sfloatExpMax)
	if !ok {
		return 0, ErrOutOfRange
	}
	return uint16(exponent&0x0F)<<12 | uint16(mantissa&0x0FFF), nil
}

// DecodeFloat converts a raw FLOAT (8-bit exponent, 24-bit mantissa) to float32.
func DecodeFloat(raw uint32) float32 {
	switch raw {
	case FloatNaN, FloatNRes, floatRsvd:
		return float32(math.NaN())
	case FloatPosInf:
		return float32(math.Inf(1))
	case FloatNegInf:
		return float32(math.Inf(-1))
	}

	mantissa := int32(raw & 0x00FFFFFF)
	if mantissa >= 0x00800000 {
		mantissa -= 0x01000000
	}
	exponent := int(int8(raw >> 24))
	return float32(scale(float64(mantissa), exponent))
}

// EncodeFloat converts v to a FLOAT.
func EncodeFloat(v float32) (uint32, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return FloatNaN, nil
	case math.IsInf(f, 1):
		return FloatPosInf, nil
	case math.IsInf(f, -1):
		return FloatNegInf, nil
	}

	mantissa, exponent, ok := fit(f, floatMantissaMax, floatExpMin, floatExpMax)
	if !ok {
		return 0, ErrOutOfRange
	}
	return uint32(uint8(int8(exponent)))<<24 | uint32(mantissa)&0x00FFFFFF, nil
}

// scale computes m * 10^e. Negative exponents divide so that values such as
// 1234e-2 decode to the nearest float rather than accumulating 0.1 error.
func scale(m float64, e int) float64 {
	if e < 0 {
		return m / math.Pow10(-e)
	}
	return m * math.Pow10(e)
}

// fit finds the smallest exponent whose rounded mantissa fits within ±maxMantissa.
// Values too small for the smallest exponent round to zero.
func fit(v float64, maxMantissa int32, expMin, expMax int) (int32, int, bool) {
	if v == 0 {
		return 0, 0, true
	}
	for e := expMin; e <= expMax; e++ {
		m := math.Round(scale(v, -e))
		if math.Abs(m) <= float64(maxMantissa) {
			return int32(m), e, true
		}
	}
	return 0, 0, false
}
