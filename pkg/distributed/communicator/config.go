// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package communicator

import (
	"os"

	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// NODECOMM_TRANSFER_DTYPE is the environment variable with the default transfer dtype, used by DefaultConfig.
//
// The value is a dtype name (e.g.: "float16", "bf16"), case-insensitive. Empty means the parameters'
// native dtype.
const NODECOMM_TRANSFER_DTYPE = "NODECOMM_TRANSFER_DTYPE"

// Config of a SingleNodeCommunicator.
//
// The root of the broadcast is always the node-local rank 0.
type Config struct {
	transferDType dtypes.DType
}

// DefaultConfig returns the configuration given by the environment, see NODECOMM_TRANSFER_DTYPE.
func DefaultConfig() (*Config, error) {
	cfg := &Config{}
	name, found := os.LookupEnv(NODECOMM_TRANSFER_DTYPE)
	if !found || name == "" {
		return cfg, nil
	}
	dtype, err := dtypes.Parse(name)
	if err != nil {
		return nil, &ConfigurationError{Reason: errors.WithMessagef(err, "invalid $%s", NODECOMM_TRANSFER_DTYPE).Error()}
	}
	return cfg.WithTransferDType(dtype), nil
}

// WithTransferDType sets the dtype parameters are converted to while transferred between devices.
// Use dtypes.InvalidDType (the default) to keep the native dtype of the parameters.
//
// Converting to a smaller dtype (e.g. Float16) reduces the traffic, at the cost of precision.
// It returns the Config itself.
func (c *Config) WithTransferDType(dtype dtypes.DType) *Config {
	c.transferDType = dtype
	return c
}

// TransferDType returns the configured transfer dtype, or dtypes.InvalidDType if the native dtype is used.
func (c *Config) TransferDType() dtypes.DType {
	return c.transferDType
}

// transferFor returns the dtype used to transfer parameters of the native dtype.
func (c *Config) transferFor(native dtypes.DType) dtypes.DType {
	if c.transferDType == dtypes.InvalidDType {
		return native
	}
	return c.transferDType
}
