// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnccl

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/nodecomm/pkg/core/arrays"
	"github.com/gomlx/nodecomm/pkg/distributed/device"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl"
	"github.com/gomlx/nodecomm/pkg/support/sets"
	"github.com/gomlx/nodecomm/pkg/support/xsync"
	"github.com/janpfeifer/must"
)

// clique is the shared state of the ranks of one communicator.
type clique struct {
	fabric *Fabric
	nRanks int

	mu      sync.Mutex
	devices []*device.Device
	joined  int
	ready   *xsync.Latch
	err     error
	rounds  map[uint64]*round
}

// round is one collective operation: it completes when all ranks have arrived.
type round struct {
	ops     []*op
	arrived int
	left    int
	done    *xsync.Latch
	err     error
}

// op is the call of one rank to a collective operation.
type op struct {
	name       string
	rank       int
	count      int
	dtype      nccl.DataType
	root       int
	redOp      nccl.RedOp
	send, recv []byte
	resolveErr error
}

func newClique(fabric *Fabric, nRanks int) *clique {
	return &clique{
		fabric:  fabric,
		nRanks:  nRanks,
		devices: make([]*device.Device, nRanks),
		ready:   xsync.NewLatch(),
		rounds:  make(map[uint64]*round),
	}
}

// join registers the device of rank and waits for all the others.
func (c *clique) join(rank int, dev *device.Device) error {
	c.mu.Lock()
	if c.devices[rank] != nil {
		c.mu.Unlock()
		return nccl.NewError(nccl.InvalidUsage, "CommInitRank", "rank %d joined twice", rank)
	}
	c.devices[rank] = dev
	c.joined++
	if c.joined == c.nRanks {
		seen := sets.Make[*device.Device](c.nRanks)
		for r, d := range c.devices {
			if !seen.Add(d) {
				c.err = nccl.NewError(nccl.InvalidUsage, "CommInitRank",
					"duplicate GPU detected: rank %d and another rank are both bound to %s", r, d)
				break
			}
		}
		c.ready.Trigger()
	}
	c.mu.Unlock()

	if !c.ready.WaitTimeout(c.fabric.timeout) {
		return nccl.NewError(nccl.SystemError, "CommInitRank",
			"rank %d timed out waiting for %d ranks to join", rank, c.nRanks)
	}
	return c.err
}

// run executes the op of one rank, after all ranks issued their seq-th collective.
func (c *clique) run(seq uint64, o *op) error {
	c.mu.Lock()
	r, found := c.rounds[seq]
	if !found {
		r = &round{ops: make([]*op, c.nRanks), done: xsync.NewLatch()}
		c.rounds[seq] = r
	}
	r.ops[o.rank] = o
	r.arrived++
	last := r.arrived == c.nRanks
	c.mu.Unlock()

	if last {
		r.err = c.execute(r.ops)
		r.done.Trigger()
	} else if !r.done.WaitTimeout(c.fabric.timeout) {
		return nccl.NewError(nccl.SystemError, o.name, "rank %d timed out waiting for the other ranks", o.rank)
	}

	c.mu.Lock()
	r.left++
	if r.left == c.nRanks {
		delete(c.rounds, seq)
	}
	c.mu.Unlock()
	return r.err
}

// execute moves the data of a complete round. Any error is reported to every rank.
func (c *clique) execute(ops []*op) error {
	first := ops[0]
	for _, o := range ops {
		if o.resolveErr != nil {
			return nccl.NewError(nccl.InvalidArgument, o.name, "rank %d: %v", o.rank, o.resolveErr)
		}
	}
	for _, o := range ops[1:] {
		if o.name != first.name || o.count != first.count || o.dtype != first.dtype ||
			o.root != first.root || o.redOp != first.redOp {
			return nccl.NewError(nccl.InvalidUsage, first.name, "mismatched collective calls across ranks: %s",
				describe(ops))
		}
	}
	switch first.name {
	case opBcast:
		src := ops[first.root].recv
		for _, o := range ops {
			if o.rank != first.root {
				copy(o.recv, src)
			}
		}
		return nil
	case opAllReduce:
		return c.allReduceSum(ops)
	}
	return nccl.NewError(nccl.InternalError, first.name, "unknown collective")
}

// allReduceSum sums the send buffers of all ranks in chunks, and copies the result to every recv buffer.
func (c *clique) allReduceSum(ops []*op) error {
	dtype := ops[0].dtype.DType()
	count := ops[0].count
	sends := make([]*arrays.Array, len(ops))
	for i, o := range ops {
		a, err := arrays.FromBytes(dtype, count, o.send)
		if err != nil {
			return nccl.NewError(nccl.InvalidArgument, o.name, "rank %d: %v", o.rank, err)
		}
		sends[i] = a
	}
	acc := arrays.New(dtype, count)
	c.fabric.pool.ForEachChunk(count, c.fabric.chunkSize, func(start, end int) {
		chunk := must.M1(acc.Sub(start, end-start))
		for i, send := range sends {
			src := must.M1(send.Sub(start, end-start))
			if i == 0 {
				must.M(arrays.Copy(chunk, src))
			} else {
				must.M(arrays.Add(chunk, src))
			}
		}
	})
	for _, o := range ops {
		copy(o.recv, acc.Bytes())
	}
	return nil
}

func describe(ops []*op) string {
	parts := make([]string, len(ops))
	for i, o := range ops {
		parts[i] = fmt.Sprintf("rank %d: %s(count=%d, %s, root=%d)", o.rank, o.name, o.count, o.dtype, o.root)
	}
	return strings.Join(parts, "; ")
}
