// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nccl defines the interface of the GPU collective communication library used by the communicators:
// creation of communicators bound to a device, and the two collective operations needed to synchronize models,
// broadcast and all-reduce (sum).
//
// Implementations enqueue the operations on a device stream and return immediately: the caller must
// synchronize the stream before reading the results from the host.
package nccl

import (
	"github.com/gomlx/nodecomm/pkg/distributed/device"
)

//go:generate mockgen -destination=mock_nccl/mock_nccl.go github.com/gomlx/nodecomm/pkg/distributed/nccl Library,Comm

// UniqueIDBytes is the size of a UniqueID.
const UniqueIDBytes = 128

// UniqueID identifies a communicator being created: it's generated by one rank and shared with the others
// (e.g. with an MPI broadcast) before they all call Library.CommInitRank.
type UniqueID [UniqueIDBytes]byte

// UniqueIDFromBytes converts the bytes received from another rank back into a UniqueID.
func UniqueIDFromBytes(b []byte) (UniqueID, error) {
	var id UniqueID
	if len(b) != UniqueIDBytes {
		return id, newError(InvalidArgument, "UniqueIDFromBytes", "expected %d bytes, got %d", UniqueIDBytes, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Library is the entry point of a collective communication library.
type Library interface {
	// Available reports whether the library can be used in this process.
	Available() bool

	// GetUniqueID generates a new UniqueID to create a communicator.
	GetUniqueID() (UniqueID, error)

	// CommInitRank creates the communicator for rank, out of nRanks, identified by id.
	// The communicator is bound to the device that is current in the calling process.
	//
	// It blocks until all nRanks ranks have called it.
	CommInitRank(nRanks int, id UniqueID, rank int) (Comm, error)
}

// Comm is a communicator of the collective library, bound to one device.
type Comm interface {
	// Rank of the communicator.
	Rank() int

	// Size is the number of ranks in the communicator.
	Size() int

	// Device the communicator is bound to. All buffers given to the collective operations must live in it.
	Device() *device.Device

	// Bcast enqueues on stream the broadcast of count elements in buf from root to every other rank, in place.
	Bcast(buf device.Ptr, count int, dtype DataType, root int, stream *device.Stream) error

	// AllReduce enqueues on stream the reduction with op of count elements of sendBuf of all ranks,
	// with the result delivered to recvBuf in every rank. sendBuf and recvBuf may be the same.
	AllReduce(sendBuf, recvBuf device.Ptr, count int, dtype DataType, op RedOp, stream *device.Stream) error

	// Destroy frees the resources of the communicator. It can't be used afterward.
	Destroy() error
}

// RedOp is a reduction operation.
type RedOp int

const (
	// Sum of the values of all ranks.
	Sum RedOp = 0
)

// String implements fmt.Stringer.
func (op RedOp) String() string {
	if op == Sum {
		return "Sum"
	}
	return "UnknownRedOp"
}

// Unavailable is a Library for processes without GPU collective support.
type Unavailable struct{}

var _ Library = Unavailable{}

// Available implements Library.
func (Unavailable) Available() bool { return false }

// GetUniqueID implements Library.
func (Unavailable) GetUniqueID() (UniqueID, error) {
	return UniqueID{}, newError(SystemError, "GetUniqueID", "collective library not available")
}

// CommInitRank implements Library.
func (Unavailable) CommInitRank(int, UniqueID, int) (Comm, error) {
	return nil, newError(SystemError, "CommInitRank", "collective library not available")
}
