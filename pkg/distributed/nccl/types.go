// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nccl

import (
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
)

// DataType is the element type enumeration of the collective library.
type DataType int

// The values match ncclDataType_t.
const (
	Int8     DataType = 0
	Uint8    DataType = 1
	Int32    DataType = 2
	Uint32   DataType = 3
	Int64    DataType = 4
	Uint64   DataType = 5
	Float16  DataType = 6
	Float32  DataType = 7
	Float64  DataType = 8
	BFloat16 DataType = 9
)

// typeOf maps dtypes to the collective library types. It's a closed set: there is no DType without a
// corresponding DataType.
var typeOf = map[dtypes.DType]DataType{
	dtypes.Int8:     Int8,
	dtypes.Uint8:    Uint8,
	dtypes.Int32:    Int32,
	dtypes.Uint32:   Uint32,
	dtypes.Int64:    Int64,
	dtypes.Uint64:   Uint64,
	dtypes.Float16:  Float16,
	dtypes.Float32:  Float32,
	dtypes.Float64:  Float64,
	dtypes.BFloat16: BFloat16,
}

var dtypeOf = func() map[DataType]dtypes.DType {
	m := make(map[DataType]dtypes.DType, len(typeOf))
	for dtype, dataType := range typeOf {
		m[dataType] = dtype
	}
	return m
}()

// TypeOf returns the collective library type for dtype.
func TypeOf(dtype dtypes.DType) (DataType, error) {
	dataType, found := typeOf[dtype]
	if !found {
		return 0, newError(InvalidArgument, "TypeOf", "dtype %s has no collective library equivalent", dtype)
	}
	return dataType, nil
}

// DType returns the dtype corresponding to t, or dtypes.InvalidDType if t is not valid.
func (t DataType) DType() dtypes.DType {
	return dtypeOf[t]
}

// IsValid returns whether t is one of the enumerated types.
func (t DataType) IsValid() bool {
	_, found := dtypeOf[t]
	return found
}

// Size in bytes of one element of type t.
func (t DataType) Size() int {
	if !t.IsValid() {
		return 0
	}
	return t.DType().Size()
}

// String implements fmt.Stringer.
func (t DataType) String() string {
	if !t.IsValid() {
		return "InvalidDataType"
	}
	return "nccl" + t.DType().String()
}
