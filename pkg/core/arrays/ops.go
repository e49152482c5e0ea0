// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/gomlx/nodecomm/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Scale multiplies in-place every element by factor.
//
// Only float dtypes are supported. Float32 and the 16 bits floats are multiplied in float32 precision.
func (a *Array) Scale(factor float64) error {
	switch a.dtype {
	case dtypes.Float64:
		scaleAll(Flat[float64](a), factor)
	case dtypes.Float32:
		scaleAll(Flat[float32](a), float32(factor))
	case dtypes.Float16:
		f32 := float32(factor)
		flat := Flat[float16.Float16](a)
		for i, v := range flat {
			flat[i] = float16.Fromfloat32(v.Float32() * f32)
		}
	case dtypes.BFloat16:
		f32 := float32(factor)
		flat := Flat[bfloat16.BFloat16](a)
		for i, v := range flat {
			flat[i] = bfloat16.FromFloat32(v.Float32() * f32)
		}
	default:
		return errors.Errorf("Array.Scale: dtype %s is not a float", a.dtype)
	}
	return nil
}

func scaleAll[T dtypes.GoFloat](values []T, factor T) {
	for i := range values {
		values[i] *= factor
	}
}

// Add accumulates src into dst, element-wise: dst[i] += src[i].
//
// Both must have the same dtype and number of elements. Integers wrap around on overflow.
func Add(dst, src *Array) error {
	if dst.dtype != src.dtype {
		return errors.Errorf("arrays.Add: dtype mismatch, dst is %s and src is %s", dst.dtype, src.dtype)
	}
	if dst.n != src.n {
		return errors.Errorf("arrays.Add: dst has %d elements, src has %d", dst.n, src.n)
	}
	switch dst.dtype {
	case dtypes.Int8:
		addAll(Flat[int8](dst), Flat[int8](src))
	case dtypes.Uint8:
		addAll(Flat[uint8](dst), Flat[uint8](src))
	case dtypes.Int32:
		addAll(Flat[int32](dst), Flat[int32](src))
	case dtypes.Uint32:
		addAll(Flat[uint32](dst), Flat[uint32](src))
	case dtypes.Int64:
		addAll(Flat[int64](dst), Flat[int64](src))
	case dtypes.Uint64:
		addAll(Flat[uint64](dst), Flat[uint64](src))
	case dtypes.Float32:
		addAll(Flat[float32](dst), Flat[float32](src))
	case dtypes.Float64:
		addAll(Flat[float64](dst), Flat[float64](src))
	case dtypes.Float16:
		d, s := Flat[float16.Float16](dst), Flat[float16.Float16](src)
		for i := range d {
			d[i] = float16.Fromfloat32(d[i].Float32() + s[i].Float32())
		}
	case dtypes.BFloat16:
		d, s := Flat[bfloat16.BFloat16](dst), Flat[bfloat16.BFloat16](src)
		for i := range d {
			d[i] = bfloat16.FromFloat32(d[i].Float32() + s[i].Float32())
		}
	default:
		return errors.Errorf("arrays.Add: dtype %s not supported", dst.dtype)
	}
	return nil
}

func addAll[T dtypes.Number](dst, src []T) {
	for i, v := range src {
		dst[i] += v
	}
}
