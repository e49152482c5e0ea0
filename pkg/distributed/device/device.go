// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device models the GPU runtime seen by the communicators: devices with a memory budget,
// allocations addressed by opaque device pointers, in-order asynchronous streams and the per-process
// notion of a "current device".
//
// Device memory is "managed": an allocation can be read and written from the host through Memory.Bytes,
// which is what allows packing parameters directly into device buffers. The Device provided here keeps
// its memory in the host address space, which is what the tests and the benchmark use.
package device

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/nodecomm/pkg/core/arrays"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Ptr is an opaque device address.
//
// Addresses are never reused by a Device, so a stale Ptr fails to resolve instead of aliasing newer memory.
type Ptr uintptr

// ErrOutOfMemory is returned (wrapped) when an allocation exceeds the memory available in the device.
var ErrOutOfMemory = errors.New("device out of memory")

// ptrAlignment is the alignment of the addresses handed out by Device.Alloc.
const ptrAlignment = 256

// Device is a GPU with a fixed memory budget.
type Device struct {
	id          int
	memoryLimit int

	mu      sync.Mutex
	used    int
	nextPtr Ptr
	allocs  map[Ptr]*Memory
	null    *Stream
}

// New creates a Device with the given id and memoryLimit in bytes. A memoryLimit <= 0 means unlimited.
func New(id, memoryLimit int) *Device {
	d := &Device{
		id:          id,
		memoryLimit: memoryLimit,
		nextPtr:     Ptr(id+1) << 40,
		allocs:      make(map[Ptr]*Memory),
	}
	d.null = NewStream(fmt.Sprintf("gpu%d/null", id))
	return d
}

// ID of the device within its node.
func (d *Device) ID() int { return d.id }

// String implements fmt.Stringer.
func (d *Device) String() string { return fmt.Sprintf("gpu%d", d.id) }

// MemoryLimit returns the memory budget of the device in bytes, or 0 if unlimited.
func (d *Device) MemoryLimit() int { return max(d.memoryLimit, 0) }

// Used returns the number of bytes currently allocated.
func (d *Device) Used() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// NumAllocations returns the number of live allocations.
func (d *Device) NumAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}

// NullStream returns the default stream of the device.
func (d *Device) NullStream() *Stream { return d.null }

// Alloc allocates nBytes of device memory. Contents are zeroed.
//
// It returns an error wrapping ErrOutOfMemory if the device memory budget would be exceeded.
func (d *Device) Alloc(nBytes int) (*Memory, error) {
	if nBytes < 0 {
		return nil, errors.Errorf("%s: cannot allocate a negative number of bytes (%d)", d, nBytes)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memoryLimit > 0 && d.used+nBytes > d.memoryLimit {
		return nil, errors.Wrapf(ErrOutOfMemory, "%s: allocating %s with %s in use (limit %s)", d,
			humanize.IBytes(uint64(nBytes)), humanize.IBytes(uint64(d.used)), humanize.IBytes(uint64(d.memoryLimit)))
	}
	m := &Memory{device: d, ptr: d.nextPtr, data: arrays.AlignedBytes(nBytes)}
	d.nextPtr += Ptr((nBytes + ptrAlignment - 1) / ptrAlignment * ptrAlignment)
	if nBytes == 0 {
		d.nextPtr += ptrAlignment
	}
	d.used += nBytes
	d.allocs[m.ptr] = m
	if klog.V(2).Enabled() {
		klog.Infof("%s: allocated %s at %#x", d, humanize.IBytes(uint64(nBytes)), uintptr(m.ptr))
	}
	return m, nil
}

// Resolve returns the host mapping of the nBytes starting at ptr.
//
// The range must lie entirely within one live allocation of the device.
func (d *Device) Resolve(ptr Ptr, nBytes int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for base, m := range d.allocs {
		if ptr < base || ptr >= base+Ptr(max(len(m.data), 1)) {
			continue
		}
		offset := int(ptr - base)
		if nBytes < 0 || offset+nBytes > len(m.data) {
			return nil, errors.Errorf("%s: range [%#x, +%d) exceeds allocation of %d bytes at %#x",
				d, uintptr(ptr), nBytes, len(m.data), uintptr(base))
		}
		return m.data[offset : offset+nBytes], nil
	}
	return nil, errors.Errorf("%s: address %#x is not a live device allocation", d, uintptr(ptr))
}

func (d *Device) free(m *Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.allocs[m.ptr]; !found {
		klog.Warningf("%s: double free of %#x ignored", d, uintptr(m.ptr))
		return
	}
	delete(d.allocs, m.ptr)
	d.used -= len(m.data)
}

// Memory is one allocation in a Device.
type Memory struct {
	device *Device
	ptr    Ptr
	data   []byte
}

// Ptr returns the device address of the allocation.
func (m *Memory) Ptr() Ptr { return m.ptr }

// Size in bytes of the allocation.
func (m *Memory) Size() int { return len(m.data) }

// Device where the memory was allocated.
func (m *Memory) Device() *Device { return m.device }

// Bytes returns the host mapping of the allocation.
func (m *Memory) Bytes() []byte { return m.data }

// Free releases the memory. Host mappings and Ptr must not be used afterward.
func (m *Memory) Free() {
	m.device.free(m)
}
