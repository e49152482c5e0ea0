// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/pkg/errors"
)

// Runtime is the per-process view of the devices of a node, with a "current device" selected by
// the user (the equivalent of cudaSetDevice).
//
// Collective handles and buffers bind to whatever device is current when they are created, so the
// device must be selected before the first collective operation.
type Runtime struct {
	devices []*Device

	mu      sync.Mutex
	current int
}

// NewRuntime creates a Runtime over the given devices. Device 0 starts as the current one.
func NewRuntime(devices ...*Device) *Runtime {
	return &Runtime{devices: devices}
}

// NumDevices returns the number of devices visible to the process.
func (rt *Runtime) NumDevices() int { return len(rt.devices) }

// Device returns the device with the given index.
func (rt *Runtime) Device(idx int) (*Device, error) {
	if idx < 0 || idx >= len(rt.devices) {
		return nil, errors.Errorf("invalid device index %d, only %d devices available", idx, len(rt.devices))
	}
	return rt.devices[idx], nil
}

// SetDevice selects the current device.
func (rt *Runtime) SetDevice(idx int) error {
	if idx < 0 || idx >= len(rt.devices) {
		return errors.Errorf("invalid device index %d, only %d devices available", idx, len(rt.devices))
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.current = idx
	return nil
}

// Current returns the current device, or nil if there are no devices.
func (rt *Runtime) Current() *Device {
	if len(rt.devices) == 0 {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.devices[rt.current]
}

// Alloc allocates memory on the current device.
func (rt *Runtime) Alloc(nBytes int) (*Memory, error) {
	d := rt.Current()
	if d == nil {
		return nil, errors.New("no devices available")
	}
	return d.Alloc(nBytes)
}
