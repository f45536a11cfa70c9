package backends

import (
	"math"

	"github.com/knights-analytics/beamrepro/options"
)

// RoundToDType rounds every value in place to the nearest value representable in dtype,
// ties to even. Float32 is left untouched.
func RoundToDType(values []float32, dtype options.DType) {
	switch dtype {
	case options.BFloat16:
		for i, v := range values {
			values[i] = RoundBFloat16(v)
		}
	case options.Float16:
		for i, v := range values {
			values[i] = Float16ToFloat32(Float32ToFloat16(v))
		}
	}
}

// RoundBFloat16 keeps the top 16 bits of the float32 representation.
func RoundBFloat16(f float32) float32 {
	bits := math.Float32bits(f)
	if bits&0x7f800000 == 0x7f800000 {
		if bits&0x007fffff != 0 {
			// keep NaN a quiet NaN after truncation
			return math.Float32frombits((bits | 0x00400000) &^ 0xffff)
		}
		return f
	}
	bits += 0x7fff + ((bits >> 16) & 1)
	return math.Float32frombits(bits &^ 0xffff)
}

// Float32ToFloat16 converts to IEEE 754 half precision bits with round to nearest even,
// including subnormal results.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32((bits >> 23) & 0xff)
	mant := bits & 0x7fffff

	if exp == 0xff {
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}

	e := exp - 127 + 15
	if e >= 0x1f {
		return sign | 0x7c00
	}
	if e <= 0 {
		if e < -10 {
			return sign
		}
		m := mant | 0x800000
		shift := uint32(14 - e)
		halfway := uint32(1) << (shift - 1)
		rem := m & ((uint32(1) << shift) - 1)
		hm := m >> shift
		if rem > halfway || (rem == halfway && hm&1 == 1) {
			hm++
		}
		return sign | uint16(hm)
	}

	h := uint32(e)<<10 | mant>>13
	rem := mant & 0x1fff
	if rem > 0x1000 || (rem == 0x1000 && h&1 == 1) {
		// a carry into the exponent is the correct encoding, up to infinity
		h++
	}
	return sign | uint16(h)
}

// Float16ToFloat32 converts IEEE 754 half precision bits to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		v := float32(mant) * float32(math.Ldexp(1, -24))
		return math.Float32frombits(sign | math.Float32bits(v))
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
	}
}
