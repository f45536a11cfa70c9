// Package safeconv converts token id slices between the integer widths used by the tokenizers and models.
package safeconv

import (
	"fmt"
	"math"
)

// Int64sToUint32s fails on the first id that does not fit in a uint32.
func Int64sToUint32s(input []int64) ([]uint32, error) {
	out := make([]uint32, len(input))
	for i, v := range input {
		if v < 0 || v > math.MaxUint32 {
			return nil, fmt.Errorf("token id %d at index %d out of uint32 range", v, i)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

func Uint32sToInt64s(input []uint32) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// Int64sToInts clamps to the int range, which only matters on 32 bit platforms.
func Int64sToInts(input []int64) []int {
	out := make([]int, len(input))
	for i, v := range input {
		switch {
		case v > math.MaxInt:
			out[i] = math.MaxInt
		case v < math.MinInt:
			out[i] = math.MinInt
		default:
			out[i] = int(v)
		}
	}
	return out
}

func IntsToInt64s(input []int) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}
