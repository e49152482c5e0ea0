// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package communicator

import (
	"fmt"

	"github.com/gomlx/nodecomm/pkg/distributed/devmem"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl"
	"github.com/gomlx/nodecomm/pkg/distributed/packer"
)

// ConfigurationError is returned when the communicator can't be used in the current environment,
// e.g. the ranks span several nodes.
type ConfigurationError struct {
	Reason string
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid communicator configuration: %s", e.Reason)
}

// The other errors returned by the communicator operations, re-exported for convenience.
// None of them is retried: they are reported as is to the caller, wrapped with the context.
type (
	// AllocationError is returned when a transfer buffer can't be grown. The buffers keep their previous size.
	AllocationError = devmem.AllocationError

	// CollectiveError is returned when the collective library fails. The state of the parameters is
	// undefined afterward, and the communicator should not be used anymore.
	CollectiveError = nccl.Error

	// ValidationError is returned when the parameters can't be synchronized as given.
	ValidationError = packer.ValidationError
)
