// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arrays implements Array, a flat typed view over a block of bytes.
//
// An Array may own its memory (New, FromFlat) or alias someone else's, e.g. a device buffer
// (FromBytes). Aliasing arrays are only valid while the underlying memory is: it's up to the owner of the
// memory to document when that happens.
//
// Values are stored in the native byte order of the host, the same way device memory is mapped into the
// host address space.
package arrays

import (
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/gomlx/nodecomm/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Array is a dense 1D array of one of the supported dtypes.
type Array struct {
	dtype dtypes.DType
	n     int
	buf   []byte
}

// alignedBytes allocates n bytes aligned to 8 bytes, so any supported dtype can be viewed over it.
func alignedBytes(n int) []byte {
	if n == 0 {
		return nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), n)
}

// AlignedBytes allocates a zeroed block of n bytes whose address is aligned to 8 bytes.
func AlignedBytes(n int) []byte {
	return alignedBytes(n)
}

// New creates a zero initialized Array of the given dtype with n elements.
func New(dtype dtypes.DType, n int) *Array {
	if !dtype.IsSupported() {
		exceptions.Panicf("arrays.New(%s, %d): dtype not supported", dtype, n)
	}
	if n < 0 {
		exceptions.Panicf("arrays.New(%s, %d): negative number of elements", dtype, n)
	}
	return &Array{dtype: dtype, n: n, buf: alignedBytes(dtype.SizeForElements(n))}
}

// FromBytes creates an Array that aliases buf.
//
// buf must hold at least n elements of dtype and be aligned to the dtype size.
func FromBytes(dtype dtypes.DType, n int, buf []byte) (*Array, error) {
	if !dtype.IsSupported() {
		return nil, errors.Errorf("arrays.FromBytes: dtype %s not supported", dtype)
	}
	if n < 0 {
		return nil, errors.Errorf("arrays.FromBytes: negative number of elements %d", n)
	}
	numBytes := dtype.SizeForElements(n)
	if numBytes > len(buf) {
		return nil, errors.Errorf("arrays.FromBytes: %d elements of %s require %d bytes, buffer only has %d",
			n, dtype, numBytes, len(buf))
	}
	if n > 0 && uintptr(unsafe.Pointer(unsafe.SliceData(buf)))%uintptr(dtype.Size()) != 0 {
		return nil, errors.Errorf("arrays.FromBytes: buffer is not aligned to %d bytes, required by %s",
			dtype.Size(), dtype)
	}
	return &Array{dtype: dtype, n: n, buf: buf[:numBytes:numBytes]}, nil
}

// FromFlat creates an Array with a copy of the given values.
func FromFlat[T dtypes.Supported](values ...T) *Array {
	a := New(dtypes.FromGenericsType[T](), len(values))
	copy(Flat[T](a), values)
	return a
}

// Flat returns a slice of T aliasing the Array's memory.
//
// It panics if T doesn't match the Array's dtype.
func Flat[T dtypes.Supported](a *Array) []T {
	if want := dtypes.FromGenericsType[T](); want != a.dtype {
		var t T
		exceptions.Panicf("arrays.Flat[%T] is incompatible with Array's dtype %s -- expected dtype %s", t, a.dtype, want)
	}
	if a.n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(a.buf))), a.n)
}

// DType of the elements of the Array.
func (a *Array) DType() dtypes.DType { return a.dtype }

// Len returns the number of elements.
func (a *Array) Len() int { return a.n }

// NumBytes returns the number of bytes used by the elements.
func (a *Array) NumBytes() int { return len(a.buf) }

// Bytes returns the raw memory of the Array.
func (a *Array) Bytes() []byte { return a.buf }

// Sub returns an Array aliasing the elements [offset, offset+n).
func (a *Array) Sub(offset, n int) (*Array, error) {
	if offset < 0 || n < 0 || offset+n > a.n {
		return nil, errors.Errorf("Array.Sub(%d, %d) out of bounds for array with %d elements", offset, n, a.n)
	}
	size := a.dtype.Size()
	start, end := offset*size, (offset+n)*size
	return &Array{dtype: a.dtype, n: n, buf: a.buf[start:end:end]}, nil
}

// Clone returns a copy of the Array that owns its memory.
func (a *Array) Clone() *Array {
	c := New(a.dtype, a.n)
	copy(c.buf, a.buf)
	return c
}

// String implements fmt.Stringer.
func (a *Array) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)[%d] {", a.dtype, a.n)
	for i, v := range a.Float64s() {
		if i > 0 {
			sb.WriteString(", ")
		}
		if i >= 16 {
			sb.WriteString("...")
			break
		}
		_, _ = fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("}")
	return sb.String()
}

// Float64s returns a copy of the values converted to float64.
func (a *Array) Float64s() []float64 {
	out := make([]float64, a.n)
	switch a.dtype {
	case dtypes.Int8:
		readAll(Flat[int8](a), out)
	case dtypes.Uint8:
		readAll(Flat[uint8](a), out)
	case dtypes.Int32:
		readAll(Flat[int32](a), out)
	case dtypes.Uint32:
		readAll(Flat[uint32](a), out)
	case dtypes.Int64:
		readAll(Flat[int64](a), out)
	case dtypes.Uint64:
		readAll(Flat[uint64](a), out)
	case dtypes.Float32:
		readAll(Flat[float32](a), out)
	case dtypes.Float64:
		copy(out, Flat[float64](a))
	case dtypes.Float16:
		for i, v := range Flat[float16.Float16](a) {
			out[i] = float64(v.Float32())
		}
	case dtypes.BFloat16:
		for i, v := range Flat[bfloat16.BFloat16](a) {
			out[i] = float64(v.Float32())
		}
	}
	return out
}

// SetFloat64s converts values to the Array's dtype and stores them.
//
// Float values are rounded to the nearest representable value. Integer values are truncated toward zero
// and saturate at the limits of the dtype, with NaN stored as 0.
func (a *Array) SetFloat64s(values []float64) error {
	if len(values) != a.n {
		return errors.Errorf("Array.SetFloat64s: got %d values for an array with %d elements", len(values), a.n)
	}
	switch a.dtype {
	case dtypes.Int8:
		writeInts(values, Flat[int8](a), math.MinInt8, math.MaxInt8)
	case dtypes.Uint8:
		writeInts(values, Flat[uint8](a), 0, math.MaxUint8)
	case dtypes.Int32:
		writeInts(values, Flat[int32](a), math.MinInt32, math.MaxInt32)
	case dtypes.Uint32:
		writeInts(values, Flat[uint32](a), 0, math.MaxUint32)
	case dtypes.Int64:
		writeInts(values, Flat[int64](a), math.MinInt64, math.MaxInt64)
	case dtypes.Uint64:
		writeInts(values, Flat[uint64](a), 0, math.MaxUint64)
	case dtypes.Float32:
		flat := Flat[float32](a)
		for i, v := range values {
			flat[i] = float32(v)
		}
	case dtypes.Float64:
		copy(Flat[float64](a), values)
	case dtypes.Float16:
		flat := Flat[float16.Float16](a)
		for i, v := range values {
			flat[i] = float16FromFloat64(v)
		}
	case dtypes.BFloat16:
		flat := Flat[bfloat16.BFloat16](a)
		for i, v := range values {
			flat[i] = bfloat16.FromFloat64(v)
		}
	}
	return nil
}

func readAll[T dtypes.Number](in []T, out []float64) {
	for i, v := range in {
		out[i] = float64(v)
	}
}

// writeInts converts in to integers, truncating toward zero. Values out of the range [lo, hi] saturate,
// and NaN becomes 0.
func writeInts[T int8 | uint8 | int32 | uint32 | int64 | uint64](in []float64, out []T, lo, hi T) {
	for i, v := range in {
		switch {
		case math.IsNaN(v):
			out[i] = 0
		case v <= float64(lo):
			out[i] = lo
		case v >= float64(hi):
			// float64(hi) may round up to hi+1 (int64, uint64), so >= also catches the first value past it.
			out[i] = hi
		default:
			out[i] = T(v)
		}
	}
}

// float16FromFloat64 rounds v to the nearest Float16, ties to even.
//
// Going through float32 alone may round twice: the float32 result is only a candidate, and its neighbors
// are checked against the exact value.
func float16FromFloat64(v float64) float16.Float16 {
	h := float16.Fromfloat32(float32(v))
	if math.IsNaN(v) || math.IsInf(v, 0) || float64(float32(v)) == v {
		return h
	}
	if h.IsInf(0) {
		// 65520 is halfway between the largest finite Float16 (65504) and the next power of two.
		if math.Abs(v) >= 65520 {
			return h
		}
		return float16.Frombits(h.Bits() - 1)
	}
	best, bestErr := h, math.Abs(float64(h.Float32())-v)
	for _, bits := range []uint16{h.Bits() - 1, h.Bits() + 1} {
		c := float16.Frombits(bits)
		if !c.IsFinite() {
			continue
		}
		cErr := math.Abs(float64(c.Float32()) - v)
		if cErr < bestErr || (cErr == bestErr && c.Bits()&1 == 0 && best.Bits()&1 == 1) {
			best, bestErr = c, cErr
		}
	}
	return best
}

// Copy copies src into dst, which must have the same number of elements.
//
// If the dtypes differ, values are converted (through float64), with the corresponding loss of precision.
// If they are the same the copy is bitwise exact.
func Copy(dst, src *Array) error {
	if dst.n != src.n {
		return errors.Errorf("arrays.Copy: dst has %d elements, src has %d", dst.n, src.n)
	}
	if dst.dtype == src.dtype {
		copy(dst.buf, src.buf)
		return nil
	}
	return dst.SetFloat64s(src.Float64s())
}
