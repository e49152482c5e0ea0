// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nccl

import (
	"fmt"

	"github.com/pkg/errors"
)

// Result is the status code of the collective library.
type Result int

// The values match ncclResult_t.
const (
	Success            Result = 0
	UnhandledCudaError Result = 1
	SystemError        Result = 2
	InternalError      Result = 3
	InvalidArgument    Result = 4
	InvalidUsage       Result = 5
	RemoteError        Result = 6
)

var resultNames = map[Result]string{
	Success:            "ncclSuccess",
	UnhandledCudaError: "ncclUnhandledCudaError",
	SystemError:        "ncclSystemError",
	InternalError:      "ncclInternalError",
	InvalidArgument:    "ncclInvalidArgument",
	InvalidUsage:       "ncclInvalidUsage",
	RemoteError:        "ncclRemoteError",
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if name, found := resultNames[r]; found {
		return name
	}
	return fmt.Sprintf("ncclResult(%d)", int(r))
}

// Error is a failure reported by the collective library.
//
// A failed collective operation leaves the buffers of all ranks in an undefined state, and other ranks
// may or may not have completed it: it must not be retried.
type Error struct {
	Result Result
	Op     string
	Msg    string
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s failed with %s: %s", e.Op, e.Result, e.Msg)
}

func newError(result Result, op, format string, args ...any) *Error {
	return &Error{Result: result, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NewError creates an Error, for implementations of Library and Comm.
func NewError(result Result, op, format string, args ...any) *Error {
	return newError(result, op, format, args...)
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var ncclErr *Error
	if errors.As(err, &ncclErr) {
		return ncclErr, true
	}
	return nil, false
}
