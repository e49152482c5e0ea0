// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devmem implements DeviceMemory, a reusable device buffer that grows on demand.
//
// Communicators keep a couple of these around to stage packed parameters, so the cost of allocating
// device memory is only paid when the model grows.
package devmem

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/nodecomm/pkg/core/arrays"
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/gomlx/nodecomm/pkg/distributed/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Allocator of device memory. Both *device.Device and *device.Runtime (current device) implement it.
type Allocator interface {
	Alloc(nBytes int) (*device.Memory, error)
}

// AllocationError is returned by Assign when the device can't provide the requested memory.
// The DeviceMemory is left with its previous allocation.
type AllocationError struct {
	Requested, Capacity int
	Err                 error
}

// Error implements error.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to grow device buffer from %s to %s: %v",
		humanize.IBytes(uint64(e.Capacity)), humanize.IBytes(uint64(e.Requested)), e.Err)
}

// Unwrap allows errors.Is(err, device.ErrOutOfMemory).
func (e *AllocationError) Unwrap() error { return e.Err }

// DeviceMemory is a lazily allocated device buffer whose capacity never shrinks.
//
// Contents are undefined before the first Assign, and are discarded whenever Assign needs to reallocate.
// It is not safe for concurrent use.
type DeviceMemory struct {
	alloc         Allocator
	mem           *device.Memory
	reallocations int
}

// New creates an empty DeviceMemory. No device memory is allocated until Assign is called.
func New(alloc Allocator) *DeviceMemory {
	return &DeviceMemory{alloc: alloc}
}

// Capacity returns the number of bytes currently allocated.
func (dm *DeviceMemory) Capacity() int {
	if dm.mem == nil {
		return 0
	}
	return dm.mem.Size()
}

// Reallocations returns how many times Assign had to allocate device memory.
func (dm *DeviceMemory) Reallocations() int { return dm.reallocations }

// Assign makes sure the buffer holds at least nBytes.
//
// If the current capacity is enough it's a no-op. Otherwise, a new block is allocated and the old one
// freed: previous contents are lost, and any Ptr or View obtained before are invalidated.
func (dm *DeviceMemory) Assign(nBytes int) error {
	if nBytes < 0 {
		return errors.Errorf("DeviceMemory.Assign: invalid negative size %d", nBytes)
	}
	if !dm.needsGrow(nBytes) {
		return nil
	}
	mem, err := dm.grow(nBytes)
	if err != nil {
		return err
	}
	dm.commit(mem)
	return nil
}

// needsGrow returns whether Assign(nBytes) would allocate.
func (dm *DeviceMemory) needsGrow(nBytes int) bool {
	if dm.mem == nil {
		return nBytes > 0
	}
	return nBytes > dm.mem.Size()
}

// grow allocates a new block of nBytes, without touching the current one.
func (dm *DeviceMemory) grow(nBytes int) (*device.Memory, error) {
	mem, err := dm.alloc.Alloc(nBytes)
	if err != nil {
		return nil, &AllocationError{Requested: nBytes, Capacity: dm.Capacity(), Err: err}
	}
	return mem, nil
}

// commit replaces the current block by mem.
func (dm *DeviceMemory) commit(mem *device.Memory) {
	klog.V(1).Infof("DeviceMemory: growing buffer from %s to %s on %s",
		humanize.IBytes(uint64(dm.Capacity())), humanize.IBytes(uint64(mem.Size())), mem.Device())
	if dm.mem != nil {
		dm.mem.Free()
	}
	dm.mem = mem
	dm.reallocations++
}

// AssignAll makes sure every one of bufs holds at least nBytes, all or nothing: if any allocation
// fails, the blocks allocated so far are released and every buffer keeps its previous allocation.
//
// The new blocks are all allocated before any old one is freed.
func AssignAll(nBytes int, bufs ...*DeviceMemory) error {
	if nBytes < 0 {
		return errors.Errorf("devmem.AssignAll: invalid negative size %d", nBytes)
	}
	grown := make([]*device.Memory, len(bufs))
	for i, dm := range bufs {
		if !dm.needsGrow(nBytes) {
			continue
		}
		mem, err := dm.grow(nBytes)
		if err != nil {
			for _, m := range grown[:i] {
				if m != nil {
					m.Free()
				}
			}
			return err
		}
		grown[i] = mem
	}
	for i, mem := range grown {
		if mem != nil {
			bufs[i].commit(mem)
		}
	}
	return nil
}

// Ptr returns the device address of the buffer, or 0 if nothing has been allocated yet.
func (dm *DeviceMemory) Ptr() device.Ptr {
	if dm.mem == nil {
		return 0
	}
	return dm.mem.Ptr()
}

// Device where the buffer is allocated, or nil if nothing has been allocated yet.
func (dm *DeviceMemory) Device() *device.Device {
	if dm.mem == nil {
		return nil
	}
	return dm.mem.Device()
}

// View returns a typed array over the first n elements of the buffer.
//
// The view aliases the device memory: it's only valid until the next reallocating Assign or Free.
func (dm *DeviceMemory) View(n int, dtype dtypes.DType) (*arrays.Array, error) {
	if !dtype.IsSupported() {
		return nil, errors.Errorf("DeviceMemory.View: invalid dtype %s", dtype)
	}
	if n < 0 || dtype.SizeForElements(n) > dm.Capacity() {
		return nil, errors.Errorf("DeviceMemory.View: %d elements of %s (%d bytes) exceed capacity of %d bytes",
			n, dtype, dtype.Size()*max(n, 0), dm.Capacity())
	}
	var buf []byte
	if dm.mem != nil {
		buf = dm.mem.Bytes()
	}
	return arrays.FromBytes(dtype, n, buf)
}

// Free releases the device memory. The DeviceMemory can still be used, and will allocate again on
// the next Assign.
func (dm *DeviceMemory) Free() {
	if dm.mem == nil {
		return
	}
	dm.mem.Free()
	dm.mem = nil
}
