// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnccl

import (
	"sync"

	"github.com/gomlx/nodecomm/pkg/distributed/device"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl"
	"k8s.io/klog/v2"
)

const (
	opBcast     = "Bcast"
	opAllReduce = "AllReduce"
)

// Comm implements nccl.Comm for one rank.
type Comm struct {
	clique *clique
	rank   int
	device *device.Device

	mu        sync.Mutex
	seq       uint64
	destroyed bool
}

var _ nccl.Comm = (*Comm)(nil)

// Rank implements nccl.Comm.
func (c *Comm) Rank() int { return c.rank }

// Size implements nccl.Comm.
func (c *Comm) Size() int { return c.clique.nRanks }

// Device implements nccl.Comm.
func (c *Comm) Device() *device.Device { return c.device }

// Destroy implements nccl.Comm.
func (c *Comm) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	return nil
}

// Bcast implements nccl.Comm.
func (c *Comm) Bcast(buf device.Ptr, count int, dtype nccl.DataType, root int, stream *device.Stream) error {
	o := &op{name: opBcast, rank: c.rank, count: count, dtype: dtype, root: root}
	if root < 0 || root >= c.Size() {
		return nccl.NewError(nccl.InvalidArgument, opBcast, "invalid root %d for %d ranks", root, c.Size())
	}
	return c.enqueue(o, buf, buf, stream)
}

// AllReduce implements nccl.Comm. Only nccl.Sum is supported.
func (c *Comm) AllReduce(sendBuf, recvBuf device.Ptr, count int, dtype nccl.DataType, redOp nccl.RedOp,
	stream *device.Stream) error {
	o := &op{name: opAllReduce, rank: c.rank, count: count, dtype: dtype, redOp: redOp}
	if redOp != nccl.Sum {
		return nccl.NewError(nccl.InvalidArgument, opAllReduce, "reduction %s not supported", redOp)
	}
	return c.enqueue(o, sendBuf, recvBuf, stream)
}

// enqueue validates the arguments common to all collectives and schedules o on the stream.
func (c *Comm) enqueue(o *op, sendBuf, recvBuf device.Ptr, stream *device.Stream) error {
	if !o.dtype.IsValid() {
		return nccl.NewError(nccl.InvalidArgument, o.name, "invalid data type %d", int(o.dtype))
	}
	if o.count < 0 {
		return nccl.NewError(nccl.InvalidArgument, o.name, "negative count %d", o.count)
	}
	if stream == nil {
		return nccl.NewError(nccl.InvalidArgument, o.name, "nil stream")
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nccl.NewError(nccl.InvalidUsage, o.name, "communicator already destroyed")
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	nBytes := o.count * o.dtype.Size()
	klog.V(2).Infof("simnccl: rank %d enqueued %s #%d of %d x %s on %s", c.rank, o.name, seq, o.count, o.dtype,
		stream.Name())
	stream.Enqueue(func() error {
		if nBytes > 0 {
			o.send, o.resolveErr = c.device.Resolve(sendBuf, nBytes)
			if o.resolveErr == nil {
				o.recv, o.resolveErr = c.device.Resolve(recvBuf, nBytes)
			}
		}
		return c.clique.run(seq, o)
	})
	return nil
}
