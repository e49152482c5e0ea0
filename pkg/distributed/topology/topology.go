// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topology discovers how the ranks of a communicator are distributed across nodes (hosts).
package topology

import (
	"fmt"

	"github.com/gomlx/nodecomm/pkg/distributed/mpi"
	"github.com/gomlx/nodecomm/pkg/support/sets"
	"github.com/pkg/errors"
)

// Topology of the current rank within a communicator.
//
// Nodes are numbered (InterRank) in the order of the lowest rank they host, and the ranks within a node
// (IntraRank) in the order of their rank in the communicator.
type Topology struct {
	Rank, Size           int
	IntraRank, IntraSize int
	InterRank, InterSize int

	// Hostnames of every rank, indexed by rank.
	Hostnames []string
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	return fmt.Sprintf("rank %d/%d (node %d/%d, local rank %d/%d)",
		t.Rank, t.Size, t.InterRank, t.InterSize, t.IntraRank, t.IntraSize)
}

// Discover gathers the processor names of all ranks and computes the topology of the current one.
//
// It is a collective operation: all ranks of comm must call it.
func Discover(comm mpi.Comm) (*Topology, error) {
	hostnames, err := mpi.AllgatherStrings(comm, comm.ProcessorName())
	if err != nil {
		return nil, errors.WithMessage(err, "failed to gather processor names")
	}
	return FromHostnames(hostnames, comm.Rank())
}

// FromHostnames computes the topology of rank given the hostnames of all ranks.
func FromHostnames(hostnames []string, rank int) (*Topology, error) {
	if rank < 0 || rank >= len(hostnames) {
		return nil, errors.Errorf("rank %d out of range for %d hostnames", rank, len(hostnames))
	}
	nodes := sets.Unique(hostnames)
	t := &Topology{Rank: rank, Size: len(hostnames), InterSize: len(nodes), Hostnames: hostnames}
	for i, name := range nodes {
		if name == hostnames[rank] {
			t.InterRank = i
			break
		}
	}
	for r, name := range hostnames {
		if name != hostnames[rank] {
			continue
		}
		if r == rank {
			t.IntraRank = t.IntraSize
		}
		t.IntraSize++
	}
	return t, nil
}
