// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package communicator implements SingleNodeCommunicator, which keeps the parameters of the model replicas
// of one node in sync: one rank per device, all on the same host.
//
// Each rank, typically one goroutine or process per device, creates its communicator over the world
// communicator (mpi.Comm), the collective library, and its device runtime:
//
//	comm, err := communicator.New(world, lib, rt, nil)
//	...
//	// Before training: everyone starts from the parameters of local rank 0.
//	err = comm.BcastData(model)
//	...
//	// After each backward pass: average the gradients.
//	err = comm.AllreduceGrad(model)
//
// The device communicator is created on the first operation, bound to the device current at that time.
// So the rank must select its device (device.Runtime.SetDevice) before the first call.
//
// Operations are collective: all ranks of the node must call them, in the same order, with models of the
// same structure. A SingleNodeCommunicator is not safe for concurrent use.
//
// A failed collective leaves the ranks in an unknown state: after a CollectiveError, or a failure creating
// the device communicator, every later operation returns that same error without communicating.
package communicator

import (
	"fmt"

	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/gomlx/nodecomm/pkg/core/params"
	"github.com/gomlx/nodecomm/pkg/distributed/device"
	"github.com/gomlx/nodecomm/pkg/distributed/devmem"
	"github.com/gomlx/nodecomm/pkg/distributed/mpi"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl"
	"github.com/gomlx/nodecomm/pkg/distributed/packer"
	"github.com/gomlx/nodecomm/pkg/distributed/rendezvous"
	"github.com/gomlx/nodecomm/pkg/distributed/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SingleNodeCommunicator synchronizes parameters across the devices of one node.
type SingleNodeCommunicator struct {
	comm mpi.Comm
	lib  nccl.Library
	rt   *device.Runtime
	cfg  *Config
	topo *topology.Topology

	intra rendezvous.Lazy

	// stream is where all collectives of this communicator are issued. Work on other streams of the
	// device, including its null stream, can't affect it.
	stream *device.Stream

	// bufA holds the packed parameters (data or gradients), bufB the result of the all-reduce.
	bufA, bufB *devmem.DeviceMemory

	// failed is the first collective failure, returned by every operation after it.
	failed error
}

// New creates the communicator for the current rank of comm. It's a collective operation over comm.
//
// If cfg is nil, DefaultConfig is used.
//
// It returns a *ConfigurationError if the ranks of comm are not all on the same node, or if the
// collective library is not available.
func New(comm mpi.Comm, lib nccl.Library, rt *device.Runtime, cfg *Config) (*SingleNodeCommunicator, error) {
	if cfg == nil {
		var err error
		cfg, err = DefaultConfig()
		if err != nil {
			return nil, err
		}
	}
	topo, err := topology.Discover(comm)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to discover the topology of the communicator")
	}
	if topo.InterSize != 1 {
		return nil, &ConfigurationError{Reason: "SingleNodeCommunicator cannot be used with multiple nodes: " +
			"ranks are distributed over " + topo.String()}
	}
	if lib == nil || !lib.Available() {
		return nil, &ConfigurationError{Reason: "the collective library is not available"}
	}
	if rt == nil || rt.NumDevices() == 0 {
		return nil, &ConfigurationError{Reason: "no devices available"}
	}
	klog.V(1).Infof("SingleNodeCommunicator: %s", topo)
	return &SingleNodeCommunicator{
		comm:   comm,
		lib:    lib,
		rt:     rt,
		cfg:    cfg,
		topo:   topo,
		stream: device.NewStream(fmt.Sprintf("nodecomm/rank%d", topo.Rank)),
		bufA:   devmem.New(rt),
		bufB:   devmem.New(rt),
	}, nil
}

// Rank in the world communicator.
func (c *SingleNodeCommunicator) Rank() int { return c.topo.Rank }

// Size of the world communicator.
func (c *SingleNodeCommunicator) Size() int { return c.topo.Size }

// IntraRank is the rank within the node.
func (c *SingleNodeCommunicator) IntraRank() int { return c.topo.IntraRank }

// IntraSize is the number of ranks in the node.
func (c *SingleNodeCommunicator) IntraSize() int { return c.topo.IntraSize }

// InterRank is the index of the node: always 0.
func (c *SingleNodeCommunicator) InterRank() int { return c.topo.InterRank }

// InterSize is the number of nodes: always 1.
func (c *SingleNodeCommunicator) InterSize() int { return c.topo.InterSize }

// Config returns the configuration of the communicator.
func (c *SingleNodeCommunicator) Config() *Config { return c.cfg }

// IsReady returns whether the intra-node communicators have been created, which happens in the first
// BcastData or AllreduceGrad.
func (c *SingleNodeCommunicator) IsReady() bool { return c.intra.Group() != nil }

// BufferCapacities returns the capacity in bytes of the two transfer buffers.
func (c *SingleNodeCommunicator) BufferCapacities() (a, b int) {
	return c.bufA.Capacity(), c.bufB.Capacity()
}

// Err returns the failure that made the communicator unusable, or nil.
func (c *SingleNodeCommunicator) Err() error {
	if c.failed != nil {
		return c.failed
	}
	return c.intra.Err()
}

// initComms returns the intra-node group, creating it if needed.
func (c *SingleNodeCommunicator) initComms() (*rendezvous.IntraGroup, error) {
	if c.failed != nil {
		return nil, c.failed
	}
	return c.intra.Get(c.comm, c.lib, c.topo.IntraRank, c.topo.InterRank)
}

// fail records err as the failure of a collective operation, and returns it.
func (c *SingleNodeCommunicator) fail(op string, err error) error {
	c.failed = errors.WithMessage(err, op)
	klog.Errorf("SingleNodeCommunicator rank %d: %v", c.topo.Rank, c.failed)
	return c.failed
}

// BcastData sets the data of every parameter to the value it has in node-local rank 0.
//
// Parameters without data are skipped. The remaining ones must share the same dtype.
func (c *SingleNodeCommunicator) BcastData(model params.Model) error {
	group, err := c.initComms()
	if err != nil {
		return err
	}
	ps := params.WithField(model, params.DataField)
	if len(ps) == 0 {
		return nil
	}
	native, err := packer.CommonDType(ps, params.DataField)
	if err != nil {
		return err
	}
	transfer := c.cfg.transferFor(native)
	dataType, err := nccl.TypeOf(transfer)
	if err != nil {
		return err
	}
	n := packer.TotalElements(ps, params.DataField)
	if err = c.bufA.Assign(transfer.SizeForElements(n)); err != nil {
		return errors.WithMessage(err, "BcastData")
	}
	if err = packer.Pack(ps, params.DataField, c.bufA, transfer); err != nil {
		return err
	}
	if err = group.NCCL.Bcast(c.bufA.Ptr(), n, dataType, rendezvous.Root, c.stream); err != nil {
		return c.fail("BcastData", err)
	}
	if err = c.stream.Synchronize(); err != nil {
		return c.fail("BcastData", err)
	}
	klog.V(2).Infof("BcastData: %d parameters, %d elements of %s", len(ps), n, transfer)
	return packer.Unpack(ps, params.DataField, c.bufA, transfer)
}

// AllreduceGrad replaces the gradient of every parameter by its average over the ranks of the node.
//
// Parameters without gradient are skipped. The remaining ones must share the same float dtype.
func (c *SingleNodeCommunicator) AllreduceGrad(model params.Model) error {
	group, err := c.initComms()
	if err != nil {
		return err
	}
	ps := params.WithField(model, params.GradField)
	if len(ps) == 0 {
		return nil
	}
	native, err := packer.CommonDType(ps, params.GradField)
	if err != nil {
		return err
	}
	transfer := c.cfg.transferFor(native)
	if !native.IsFloat() || !transfer.IsFloat() {
		return &ValidationError{Field: params.GradField, Index: -1,
			Reason: "gradients can only be averaged as floats, got native dtype " + native.String() +
				" and transfer dtype " + transfer.String()}
	}
	dataType, err := nccl.TypeOf(transfer)
	if err != nil {
		return err
	}
	n := packer.TotalElements(ps, params.GradField)
	nBytes := transfer.SizeForElements(n)
	// Both buffers grow or neither does.
	if err = devmem.AssignAll(nBytes, c.bufA, c.bufB); err != nil {
		return errors.WithMessage(err, "AllreduceGrad")
	}
	if err = packer.Pack(ps, params.GradField, c.bufA, transfer); err != nil {
		return err
	}
	if err = group.NCCL.AllReduce(c.bufA.Ptr(), c.bufB.Ptr(), n, dataType, nccl.Sum, c.stream); err != nil {
		return c.fail("AllreduceGrad", err)
	}
	// The sum must be complete before it's scaled from the host.
	if err = c.stream.Synchronize(); err != nil {
		return c.fail("AllreduceGrad", err)
	}
	if err = scale(c.bufB, n, transfer, 1/float64(c.topo.IntraSize)); err != nil {
		return err
	}
	klog.V(2).Infof("AllreduceGrad: %d parameters, %d elements of %s", len(ps), n, transfer)
	return packer.Unpack(ps, params.GradField, c.bufB, transfer)
}

// scale multiplies the first n elements of buf by factor.
func scale(buf *devmem.DeviceMemory, n int, dtype dtypes.DType, factor float64) error {
	view, err := buf.View(n, dtype)
	if err != nil {
		return err
	}
	return view.Scale(factor)
}

// Close frees the transfer buffers and destroys the device communicator, if it was created.
// The communicator can't be used afterward.
func (c *SingleNodeCommunicator) Close() error {
	c.bufA.Free()
	c.bufB.Free()
	if group := c.intra.Group(); group != nil {
		return group.NCCL.Destroy()
	}
	return nil
}
