// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 is a trivial implementation for the bfloat16 type,
// based on https://github.com/x448/float16 and the pending issue in
// https://github.com/x448/float16/issues/22
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) occupies 16 bits: it keeps the 8 bits exponent of a float32 and
// truncates the mantissa to 7 bits. Gradients are often exchanged in this format to halve the
// traffic of an all-reduce.
type BFloat16 uint16

// Float32 converts the BFloat16 to a float32, exactly.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// FromFloat32 converts a float32 to a BFloat16, rounding to the nearest even value.
// NaNs are kept as (quiet) NaNs.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x {
		return BFloat16(bits>>16 | 0x0040)
	}
	rounding := uint32(0x7FFF) + (bits>>16)&1
	return BFloat16((bits + rounding) >> 16)
}

// FromFloat64 converts a float64 to a BFloat16, rounding to the nearest even value.
//
// The value is rounded only once: the float32 conversion may land exactly on a tie, so its BFloat16 is
// checked against its neighbors.
func FromFloat64(x float64) BFloat16 {
	f := float32(x)
	h := FromFloat32(f)
	if float64(f) == x || math.IsNaN(x) || math.IsInf(x, 0) {
		return h
	}
	if math.IsInf(float64(h.Float32()), 0) {
		// 0x1.ffp127 is halfway between the largest finite BFloat16 and 2^128.
		if math.Abs(x) >= 0x1.ffp127 {
			return h
		}
		return FromBits(h.Bits() - 1)
	}
	best, bestErr := h, math.Abs(float64(h.Float32())-x)
	for _, bits := range []uint16{h.Bits() - 1, h.Bits() + 1} {
		c := FromBits(bits)
		cf := float64(c.Float32())
		if math.IsNaN(cf) || math.IsInf(cf, 0) {
			continue
		}
		cErr := math.Abs(cf - x)
		if cErr < bestErr || (cErr == bestErr && bits&1 == 0 && best.Bits()&1 == 1) {
			best, bestErr = c, cErr
		}
	}
	return best
}

// FromBits convert an uint16 to a BFloat16.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits convert BFloat16 to an uint16.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value with the specified sign.
// A sign >= returns positive infinity.
// A sign < 0 returns negative infinity.
func Inf(sign int) BFloat16 {
	return FromFloat32(float32(math.Inf(sign)))
}
