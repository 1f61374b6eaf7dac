package volume

import (
	"fmt"
	"strings"
)

// Transpose reorders a row-major array from srcAxes to dstAxes. Both axis
// strings must hold the same letters. The returned shape follows dstAxes.
func Transpose[T any](src []T, shape []int, srcAxes, dstAxes string) ([]T, []int, error) {
	if len(srcAxes) != len(shape) {
		return nil, nil, fmt.Errorf("axes %q do not match rank %d", srcAxes, len(shape))
	}
	if len(srcAxes) != len(dstAxes) {
		return nil, nil, fmt.Errorf("cannot transpose %q to %q", srcAxes, dstAxes)
	}
	if Product(shape) != len(src) {
		return nil, nil, fmt.Errorf("shape %v needs %d samples, have %d", shape, Product(shape), len(src))
	}

	rank := len(shape)
	perm := make([]int, rank)
	for i := 0; i < rank; i++ {
		j := strings.IndexByte(srcAxes, dstAxes[i])
		if j < 0 {
			return nil, nil, fmt.Errorf("axis %c of %q missing from %q", dstAxes[i], dstAxes, srcAxes)
		}
		perm[i] = j
	}

	dstShape := make([]int, rank)
	for i, j := range perm {
		dstShape[i] = shape[j]
	}
	if srcAxes == dstAxes || len(src) == 0 {
		out := make([]T, len(src))
		copy(out, src)
		return out, dstShape, nil
	}

	srcStride := strides(shape)
	// step[i] is the source stride walked when destination axis i advances.
	step := make([]int, rank)
	for i, j := range perm {
		step[i] = srcStride[j]
	}

	out := make([]T, len(src))
	idx := make([]int, rank)
	last := rank - 1
	run := dstShape[last]
	contiguous := step[last] == 1
	srcOff := 0
	for dstOff := 0; dstOff < len(out); dstOff += run {
		if contiguous {
			copy(out[dstOff:dstOff+run], src[srcOff:srcOff+run])
		} else {
			s := srcOff
			for k := 0; k < run; k++ {
				out[dstOff+k] = src[s]
				s += step[last]
			}
		}
		// advance the odometer over every axis but the innermost
		for i := last - 1; i >= 0; i-- {
			idx[i]++
			srcOff += step[i]
			if idx[i] < dstShape[i] {
				break
			}
			srcOff -= step[i] * idx[i]
			idx[i] = 0
		}
	}
	return out, dstShape, nil
}

func strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}
