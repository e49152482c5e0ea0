// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simnccl implements nccl.Library in-process, for ranks running as goroutines of the same
// program over simulated devices.
//
// All ranks of a node share one Fabric, and each rank gets its own Library from it, bound to the
// rank's device.Runtime:
//
//	fabric := simnccl.NewFabric()
//	...
//	// In the goroutine of each rank:
//	lib := fabric.Library(rt)
//
// Collective operations are enqueued on the given device stream. When the stream executes them, each
// rank waits for the matching call of the other ranks, and the last one to arrive moves the data.
// Calls are matched by the order in which each rank issued them, as in the real library.
package simnccl

import (
	"sync"
	"time"

	"github.com/gomlx/nodecomm/internal/workerspool"
	"github.com/gomlx/nodecomm/pkg/distributed/device"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// DefaultChunkSize is the number of elements reduced by each worker in an all-reduce.
const DefaultChunkSize = 1 << 16

// Fabric connects the Library of every rank of a node.
type Fabric struct {
	mu      sync.Mutex
	cliques map[nccl.UniqueID]*clique

	pool      *workerspool.Pool
	timeout   time.Duration
	chunkSize int
}

// NewFabric creates a new Fabric, with no timeouts.
func NewFabric() *Fabric {
	return &Fabric{
		cliques:   make(map[nccl.UniqueID]*clique),
		pool:      workerspool.New(),
		chunkSize: DefaultChunkSize,
	}
}

// WithTimeout sets how long a rank waits for the others, in communicator creation and in collective
// operations. A timeout <= 0 waits forever. It returns the Fabric itself.
func (f *Fabric) WithTimeout(timeout time.Duration) *Fabric {
	f.timeout = timeout
	return f
}

// WithParallelism sets the maximum number of workers used to reduce one all-reduce (0 reduces inline,
// -1 is unlimited). It returns the Fabric itself.
func (f *Fabric) WithParallelism(maxParallelism int) *Fabric {
	f.pool.SetMaxParallelism(maxParallelism)
	return f
}

// WithChunkSize sets the number of elements reduced per worker. It returns the Fabric itself.
func (f *Fabric) WithChunkSize(chunkSize int) *Fabric {
	f.chunkSize = chunkSize
	return f
}

// Pending returns the number of communicators being created that are still waiting for ranks to join.
func (f *Fabric) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cliques)
}

// Library returns the collective library as seen by the rank that owns rt.
func (f *Fabric) Library(rt *device.Runtime) *Library {
	return &Library{fabric: f, rt: rt}
}

// clique returns the clique being created with id, creating it if needed.
func (f *Fabric) clique(id nccl.UniqueID, nRanks int) (*clique, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, found := f.cliques[id]
	if !found {
		c = newClique(f, nRanks)
		f.cliques[id] = c
		return c, nil
	}
	if c.nRanks != nRanks {
		return nil, nccl.NewError(nccl.InvalidArgument, "CommInitRank",
			"communicator created with %d ranks, got %d", c.nRanks, nRanks)
	}
	return c, nil
}

// release forgets the clique: the UniqueID can't be used again to join it.
func (f *Fabric) release(id nccl.UniqueID, c *clique) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cliques[id] == c {
		delete(f.cliques, id)
	}
}

// Library implements nccl.Library for one rank.
type Library struct {
	fabric *Fabric
	rt     *device.Runtime
}

var _ nccl.Library = (*Library)(nil)

// Available implements nccl.Library. It's available if the runtime has any devices.
func (l *Library) Available() bool {
	return l.rt != nil && l.rt.NumDevices() > 0
}

// GetUniqueID implements nccl.Library.
func (l *Library) GetUniqueID() (nccl.UniqueID, error) {
	var id nccl.UniqueID
	uid, err := uuid.NewRandom()
	if err != nil {
		return id, nccl.NewError(nccl.SystemError, "GetUniqueID", "%v", err)
	}
	copy(id[:], uid[:])
	return id, nil
}

// CommInitRank implements nccl.Library. It blocks until all nRanks ranks joined.
func (l *Library) CommInitRank(nRanks int, id nccl.UniqueID, rank int) (nccl.Comm, error) {
	if nRanks < 1 || rank < 0 || rank >= nRanks {
		return nil, nccl.NewError(nccl.InvalidArgument, "CommInitRank", "invalid rank %d for %d ranks", rank, nRanks)
	}
	if !l.Available() {
		return nil, nccl.NewError(nccl.UnhandledCudaError, "CommInitRank", "no device available")
	}
	dev := l.rt.Current()
	c, err := l.fabric.clique(id, nRanks)
	if err != nil {
		return nil, err
	}
	err = c.join(rank, dev)
	l.fabric.release(id, c)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("simnccl: rank %d/%d bound to %s", rank, nRanks, dev)
	return &Comm{clique: c, rank: rank, device: dev}, nil
}
