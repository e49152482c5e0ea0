// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum that represents the element type of a parameter or of a device buffer.
//
// Only the types a GPU collective library can move are included: integers of 8, 32 and 64 bits,
// and the 16, 32 and 64 bits floating point numbers.
type DType int32

const (
	// InvalidDType is the zero value, used as "not set" or "same as the native dtype".
	InvalidDType DType = 0

	// Int8 is a signed 8 bits integer.
	Int8 DType = 1

	// Uint8 is an unsigned 8 bits integer.
	Uint8 DType = 2

	// Int32 is a signed 32 bits integer.
	Int32 DType = 3

	// Uint32 is an unsigned 32 bits integer.
	Uint32 DType = 4

	// Int64 is a signed 64 bits integer.
	Int64 DType = 5

	// Uint64 is an unsigned 64 bits integer.
	Uint64 DType = 6

	// Float16 is IEEE 754 half precision, represented in Go by float16.Float16.
	Float16 DType = 7

	// Float32 is IEEE 754 single precision.
	Float32 DType = 8

	// Float64 is IEEE 754 double precision.
	Float64 DType = 9

	// BFloat16 is the truncated 16 bits floating-point format: 1 bit for the sign, 8 bits for the exponent
	// and 7 bits for the mantissa.
	BFloat16 DType = 10
)

// Aliases with the short names used by the collective and array libraries.
const (
	S8   = Int8
	U8   = Uint8
	S32  = Int32
	U32  = Uint32
	S64  = Int64
	U64  = Uint64
	F16  = Float16
	F32  = Float32
	F64  = Float64
	BF16 = BFloat16
)

// canonicalNames are used by DType.String.
var canonicalNames = [...]string{
	InvalidDType: "InvalidDType",
	Int8:         "Int8",
	Uint8:        "Uint8",
	Int32:        "Int32",
	Uint32:       "Uint32",
	Int64:        "Int64",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
}

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Int8":         Int8,
	"S8":           Int8,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Int32":        Int32,
	"S32":          Int32,
	"Uint32":       Uint32,
	"U32":          Uint32,
	"Int64":        Int64,
	"S64":          Int64,
	"Uint64":       Uint64,
	"U64":          Uint64,
	"Float16":      Float16,
	"F16":          Float16,
	"Half":         Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float":        Float32,
	"Float64":      Float64,
	"F64":          Float64,
	"Double":       Float64,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}
