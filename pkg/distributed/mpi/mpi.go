// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mpi defines the host-side message passing interface used by the communicators for their
// control plane: discovering the topology of the processes and splitting sub-communicators.
//
// It is only used during initialization, never in the hot path of a collective operation.
//
// Like MPI, every collective method must be called by all ranks of the communicator, in the same order.
// A missing rank blocks the others.
package mpi

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Undefined can be given as the color to Split by ranks that don't want to be part of any new communicator.
const Undefined = -1

// Comm is a communicator over a group of processes (ranks).
type Comm interface {
	// Rank of the current process in the communicator, 0 <= Rank() < Size().
	Rank() int

	// Size is the number of processes in the communicator.
	Size() int

	// ProcessorName returns the name of the host where the current process runs.
	ProcessorName() string

	// Barrier blocks until all ranks have called it.
	Barrier() error

	// Bcast returns a copy of root's data in every rank. The data given by non-root ranks is ignored.
	Bcast(data []byte, root int) ([]byte, error)

	// Allgather returns the data contributed by every rank, indexed by rank.
	Allgather(data []byte) ([][]byte, error)

	// Split partitions the communicator: ranks that give the same color end up in the same new communicator,
	// ordered by key (ties broken by the rank in this communicator).
	//
	// Ranks passing Undefined as color get a nil Comm.
	Split(color, key int) (Comm, error)
}

// AllgatherStrings gathers one string from every rank.
func AllgatherStrings(comm Comm, s string) ([]string, error) {
	all, err := comm.Allgather([]byte(s))
	if err != nil {
		return nil, err
	}
	strs := make([]string, len(all))
	for i, b := range all {
		strs[i] = string(b)
	}
	return strs, nil
}

// AllgatherInts gathers one int from every rank.
func AllgatherInts(comm Comm, v int) ([]int, error) {
	all, err := comm.Allgather(binary.LittleEndian.AppendUint64(nil, uint64(int64(v))))
	if err != nil {
		return nil, err
	}
	ints := make([]int, len(all))
	for i, b := range all {
		if len(b) != 8 {
			return nil, errors.Errorf("AllgatherInts: rank %d contributed %d bytes, expected 8", i, len(b))
		}
		ints[i] = int(int64(binary.LittleEndian.Uint64(b)))
	}
	return ints, nil
}
