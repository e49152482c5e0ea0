// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params defines the view the distributed communicators have of a model: an ordered list of
// parameters, each with a data (current value) and a gradient array.
//
// Models are owned by the caller: communicators only borrow the parameters for the duration of one
// operation.
package params

import (
	"github.com/gomlx/nodecomm/pkg/core/arrays"
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
)

// Parameter of a model. Either array can be nil, if not yet initialized (data) or not yet
// computed (grad).
type Parameter interface {
	// Data holds the current value of the parameter.
	Data() *arrays.Array

	// Grad holds the accumulated gradient of the parameter.
	Grad() *arrays.Array
}

// Model is anything that can list its parameters.
//
// The order of the parameters must be deterministic, and the same in every process (rank)
// that synchronizes the model.
type Model interface {
	Params() []Parameter
}

// Field selects one of the arrays of a Parameter.
type Field int

const (
	// DataField selects Parameter.Data.
	DataField Field = iota

	// GradField selects Parameter.Grad.
	GradField
)

// String implements fmt.Stringer.
func (f Field) String() string {
	switch f {
	case DataField:
		return "data"
	case GradField:
		return "grad"
	default:
		return "unknown"
	}
}

// Of returns the selected array of p.
func (f Field) Of(p Parameter) *arrays.Array {
	if f == GradField {
		return p.Grad()
	}
	return p.Data()
}

// WithField returns the parameters of the model whose selected field is set, in model order.
func WithField(model Model, field Field) []Parameter {
	all := model.Params()
	selected := make([]Parameter, 0, len(all))
	for _, p := range all {
		if field.Of(p) != nil {
			selected = append(selected, p)
		}
	}
	return selected
}

// Dense is a Parameter that owns its data and gradient arrays.
type Dense struct {
	Name       string
	data, grad *arrays.Array
}

var _ Parameter = (*Dense)(nil)

// NewDense creates a parameter with data and a zero gradient, both with n elements of dtype.
func NewDense(name string, dtype dtypes.DType, n int) *Dense {
	return &Dense{Name: name, data: arrays.New(dtype, n), grad: arrays.New(dtype, n)}
}

// NewDenseFrom creates a parameter from the given data and grad arrays. grad can be nil.
func NewDenseFrom(name string, data, grad *arrays.Array) *Dense {
	return &Dense{Name: name, data: data, grad: grad}
}

// Data implements Parameter.
func (d *Dense) Data() *arrays.Array { return d.data }

// Grad implements Parameter.
func (d *Dense) Grad() *arrays.Array { return d.grad }

// ClearGrad drops the gradient, so the parameter is skipped by gradient synchronization.
func (d *Dense) ClearGrad() { d.grad = nil }

// List is a Model backed by a slice of parameters.
type List []Parameter

// Params implements Model.
func (l List) Params() []Parameter { return l }
