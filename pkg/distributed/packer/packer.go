// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package packer flattens one field (data or grad) of a list of parameters into a single contiguous
// device buffer, so it can be moved with one collective call, and scatters it back afterward.
//
// Parameter i occupies the elements [offset_i, offset_i + len_i) of the buffer, where offset_0 = 0 and
// offset_{i+1} = offset_i + len_i, in the order of the list: there are no gaps nor overlaps.
// Elements are stored in the "transfer dtype", which may differ from the parameters' native dtype,
// in which case values are converted (and may lose precision) on the way in and out.
package packer

import (
	"fmt"

	"github.com/gomlx/nodecomm/pkg/core/arrays"
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/gomlx/nodecomm/pkg/core/params"
	"github.com/gomlx/nodecomm/pkg/distributed/devmem"
	"github.com/pkg/errors"
)

// ValidationError reports parameter lists that can't be packed with one call.
type ValidationError struct {
	Field  params.Field
	Index  int
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid parameters for packing %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid parameter #%d for packing %s: %s", e.Index, e.Field, e.Reason)
}

// CommonDType returns the native dtype shared by the selected field of all parameters.
//
// Mixed dtypes must be batched by the caller, one call per dtype.
func CommonDType(ps []params.Parameter, field params.Field) (dtypes.DType, error) {
	if len(ps) == 0 {
		return dtypes.InvalidDType, &ValidationError{Field: field, Index: -1, Reason: "empty parameter list"}
	}
	dtype := dtypes.InvalidDType
	for i, p := range ps {
		a := field.Of(p)
		if a == nil {
			return dtypes.InvalidDType, &ValidationError{Field: field, Index: i, Reason: "field is not set"}
		}
		if i == 0 {
			dtype = a.DType()
			continue
		}
		if a.DType() != dtype {
			return dtypes.InvalidDType, &ValidationError{Field: field, Index: i,
				Reason: fmt.Sprintf("dtype %s differs from the first parameter's %s", a.DType(), dtype)}
		}
	}
	return dtype, nil
}

// TotalElements returns the sum of the number of elements of the selected field of the parameters.
// Parameters whose field is not set count as 0.
func TotalElements(ps []params.Parameter, field params.Field) int {
	var total int
	for _, p := range ps {
		if a := field.Of(p); a != nil {
			total += a.Len()
		}
	}
	return total
}

// TotalBytes returns the size of the packed region for the parameters, when transferred as transfer.
func TotalBytes(ps []params.Parameter, field params.Field, transfer dtypes.DType) int {
	return transfer.SizeForElements(TotalElements(ps, field))
}

// resolveTransfer validates the parameters and resolves transfer (InvalidDType means the native dtype).
func resolveTransfer(ps []params.Parameter, field params.Field, transfer dtypes.DType) (dtypes.DType, error) {
	native, err := CommonDType(ps, field)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	if transfer == dtypes.InvalidDType {
		return native, nil
	}
	if !transfer.IsSupported() {
		return dtypes.InvalidDType, &ValidationError{Field: field, Index: -1,
			Reason: fmt.Sprintf("transfer dtype %s not supported", transfer)}
	}
	return transfer, nil
}

// forEachRegion calls fn with each parameter's field and the region of the buffer it maps to.
func forEachRegion(ps []params.Parameter, field params.Field, buf *devmem.DeviceMemory, transfer dtypes.DType,
	fn func(param, region *arrays.Array) error) error {
	var err error
	transfer, err = resolveTransfer(ps, field, transfer)
	if err != nil {
		return err
	}
	total := TotalElements(ps, field)
	view, err := buf.View(total, transfer)
	if err != nil {
		return errors.WithMessagef(err, "packed %s of %d parameters don't fit the buffer", field, len(ps))
	}
	offset := 0
	for i, p := range ps {
		a := field.Of(p)
		region, err := view.Sub(offset, a.Len())
		if err != nil {
			return errors.WithMessagef(err, "parameter #%d", i)
		}
		if err = fn(a, region); err != nil {
			return errors.WithMessagef(err, "parameter #%d", i)
		}
		offset += a.Len()
	}
	return nil
}

// Pack copies the selected field of each parameter, in order, into dst, converting to transfer if it
// differs from the native dtype. Use dtypes.InvalidDType as transfer to keep the native dtype.
//
// dst must have been assigned at least TotalBytes(ps, field, transfer) bytes.
func Pack(ps []params.Parameter, field params.Field, dst *devmem.DeviceMemory, transfer dtypes.DType) error {
	return forEachRegion(ps, field, dst, transfer, func(param, region *arrays.Array) error {
		return arrays.Copy(region, param)
	})
}

// Unpack is the inverse of Pack: it copies each parameter's region of src back into its selected field,
// converting from transfer back to the native dtype.
//
// The round trip Pack/Unpack is exact when transfer is the native dtype.
func Unpack(ps []params.Parameter, field params.Field, src *devmem.DeviceMemory, transfer dtypes.DType) error {
	return forEachRegion(ps, field, src, transfer, func(param, region *arrays.Array) error {
		return arrays.Copy(param, region)
	})
}
