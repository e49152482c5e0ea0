// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rendezvous creates the communicators of the ranks within one node: a host communicator (mpi.Comm)
// for the control plane, and a device communicator (nccl.Comm) for the collective operations.
package rendezvous

import (
	"github.com/gomlx/nodecomm/pkg/distributed/mpi"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Root is the node-local rank that generates the UniqueID of the device communicator.
const Root = 0

// IntraGroup holds the communicators of the ranks of one node.
type IntraGroup struct {
	MPI  mpi.Comm
	NCCL nccl.Comm
}

// InitIntraMPIComm splits comm into one communicator per node: ranks in the same node (interRank) are
// grouped together, ordered by their intraRank.
//
// It is a collective operation over comm.
func InitIntraMPIComm(comm mpi.Comm, intraRank, interRank int) (mpi.Comm, error) {
	intra, err := comm.Split(interRank, intraRank)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to split communicator for node %d", interRank)
	}
	if intra == nil {
		return nil, errors.Errorf("split of communicator for node %d returned no communicator", interRank)
	}
	return intra, nil
}

// InitNCCLComm creates the device communicator over the ranks of comm: Root generates the UniqueID and
// broadcasts it, then all ranks join.
//
// The communicator is bound to the device current in each rank at the time of the call.
// It is a collective operation over comm.
func InitNCCLComm(lib nccl.Library, comm mpi.Comm) (nccl.Comm, error) {
	var idBytes []byte
	var rootErr error
	if comm.Rank() == Root {
		var id nccl.UniqueID
		id, rootErr = lib.GetUniqueID()
		if rootErr == nil {
			idBytes = id[:]
		}
		// On failure an empty ID is still broadcast, so the other ranks don't block.
	}
	idBytes, err := comm.Bcast(idBytes, Root)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to broadcast the communicator UniqueID")
	}
	if rootErr != nil {
		return nil, errors.WithMessage(rootErr, "failed to create the communicator UniqueID")
	}
	id, err := nccl.UniqueIDFromBytes(idBytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid UniqueID received from rank %d", Root)
	}
	ncclComm, err := lib.CommInitRank(comm.Size(), id, comm.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create device communicator for rank %d of %d",
			comm.Rank(), comm.Size())
	}
	return ncclComm, nil
}

// Lazy creates the IntraGroup on first use, and caches it.
//
// It's not safe for concurrent use: like the collective operations, it's meant to be used by the one
// goroutine driving a rank.
type Lazy struct {
	group *IntraGroup
	err   error
}

// Group returns the cached IntraGroup, or nil if it hasn't been successfully created yet.
func (l *Lazy) Group() *IntraGroup {
	return l.group
}

// Err returns the error of the failed creation, if any.
func (l *Lazy) Err() error {
	return l.err
}

// Get returns the IntraGroup, creating it on the first call. Later calls return the same group
// without any communication.
//
// If creation fails no group is kept, and the error is remembered: later calls return it without any
// communication. Other ranks may have completed part of the rendezvous, so starting over alone could
// block forever.
func (l *Lazy) Get(comm mpi.Comm, lib nccl.Library, intraRank, interRank int) (*IntraGroup, error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.group != nil {
		return l.group, nil
	}
	intraMPI, err := InitIntraMPIComm(comm, intraRank, interRank)
	if err != nil {
		l.err = err
		return nil, err
	}
	ncclComm, err := InitNCCLComm(lib, intraMPI)
	if err != nil {
		l.err = err
		return nil, err
	}
	l.group = &IntraGroup{MPI: intraMPI, NCCL: ncclComm}
	klog.V(1).Infof("intra-node group ready: local rank %d/%d on %s",
		ncclComm.Rank(), ncclComm.Size(), ncclComm.Device())
	return l.group, nil
}
