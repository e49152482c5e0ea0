// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnccl

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/nodecomm/pkg/core/arrays"
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/gomlx/nodecomm/pkg/distributed/device"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// node creates n devices and the runtime of each rank, with rank i's current device set to device i.
func node(n int) []*device.Runtime {
	devices := make([]*device.Device, n)
	for i := range n {
		devices[i] = device.New(i, 0)
	}
	runtimes := make([]*device.Runtime, n)
	for i := range n {
		runtimes[i] = device.NewRuntime(devices...)
		must.M(runtimes[i].SetDevice(i))
	}
	return runtimes
}

// parallel runs fn for each rank in its own goroutine, and returns the errors of each rank.
func parallel(n int, fn func(rank int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = fn(rank)
		}()
	}
	wg.Wait()
	return errs
}

// initComms creates one communicator per rank.
func initComms(t *testing.T, fabric *Fabric, runtimes []*device.Runtime) []nccl.Comm {
	n := len(runtimes)
	id := must.M1(fabric.Library(runtimes[0]).GetUniqueID())
	comms := make([]nccl.Comm, n)
	errs := parallel(n, func(rank int) (err error) {
		comms[rank], err = fabric.Library(runtimes[rank]).CommInitRank(n, id, rank)
		return
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	assert.Zero(t, fabric.Pending())
	return comms
}

// upload allocates device memory on the current device of rt with a copy of values.
func upload[T dtypes.Supported](rt *device.Runtime, values ...T) *device.Memory {
	src := arrays.FromFlat(values...)
	mem := must.M1(rt.Alloc(src.NumBytes()))
	copy(mem.Bytes(), src.Bytes())
	return mem
}

func download[T dtypes.Supported](mem *device.Memory, n int) []T {
	a := must.M1(arrays.FromBytes(dtypes.FromGenericsType[T](), n, mem.Bytes()))
	return append([]T(nil), arrays.Flat[T](a)...)
}

func TestUniqueID(t *testing.T) {
	lib := NewFabric().Library(node(1)[0])
	id1 := must.M1(lib.GetUniqueID())
	id2 := must.M1(lib.GetUniqueID())
	assert.NotEqual(t, id1, id2)
	assert.True(t, lib.Available())
	assert.False(t, NewFabric().Library(device.NewRuntime()).Available())
}

func TestCommInitRank(t *testing.T) {
	runtimes := node(3)
	comms := initComms(t, NewFabric(), runtimes)
	for rank, comm := range comms {
		assert.Equal(t, rank, comm.Rank())
		assert.Equal(t, 3, comm.Size())
		assert.Equal(t, rank, comm.Device().ID())
	}

	t.Run("invalid rank", func(t *testing.T) {
		lib := NewFabric().Library(runtimes[0])
		_, err := lib.CommInitRank(2, must.M1(lib.GetUniqueID()), 2)
		ncclErr, ok := nccl.AsError(err)
		require.True(t, ok)
		assert.Equal(t, nccl.InvalidArgument, ncclErr.Result)
	})

	t.Run("duplicate device", func(t *testing.T) {
		fabric := NewFabric()
		rt := node(1)[0]
		id := must.M1(fabric.Library(rt).GetUniqueID())
		errs := parallel(2, func(rank int) error {
			_, err := fabric.Library(rt).CommInitRank(2, id, rank)
			return err
		})
		for _, err := range errs {
			ncclErr, ok := nccl.AsError(err)
			require.True(t, ok)
			assert.Equal(t, nccl.InvalidUsage, ncclErr.Result)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		fabric := NewFabric().WithTimeout(50 * time.Millisecond)
		lib := fabric.Library(runtimes[0])
		_, err := lib.CommInitRank(2, must.M1(lib.GetUniqueID()), 0)
		ncclErr, ok := nccl.AsError(err)
		require.True(t, ok)
		assert.Equal(t, nccl.SystemError, ncclErr.Result)
		assert.Contains(t, err.Error(), "timed out")
	})
}

func TestBcast(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("%d ranks", n), func(t *testing.T) {
			runtimes := node(n)
			comms := initComms(t, NewFabric(), runtimes)
			got := make([][]float32, n)
			errs := parallel(n, func(rank int) error {
				rt := runtimes[rank]
				v := float32(rank + 1)
				mem := upload(rt, v, 10*v, 100*v)
				stream := rt.Current().NullStream()
				if err := comms[rank].Bcast(mem.Ptr(), 3, nccl.Float32, 0, stream); err != nil {
					return err
				}
				if err := stream.Synchronize(); err != nil {
					return err
				}
				got[rank] = download[float32](mem, 3)
				return nil
			})
			for rank := range n {
				require.NoError(t, errs[rank])
				assert.Equal(t, []float32{1, 10, 100}, got[rank], "rank %d", rank)
			}
		})
	}
}

func TestAllReduce(t *testing.T) {
	const n, count = 4, 1000
	runtimes := node(n)
	fabric := NewFabric().WithChunkSize(64).WithParallelism(-1)
	comms := initComms(t, fabric, runtimes)
	got := make([][]int32, n)
	errs := parallel(n, func(rank int) error {
		rt := runtimes[rank]
		values := make([]int32, count)
		for i := range values {
			values[i] = int32(i * (rank + 1))
		}
		send := upload(rt, values...)
		stream := rt.Current().NullStream()
		// Twice: out-of-place first, then in-place over the result.
		recv := must.M1(rt.Alloc(send.Size()))
		if err := comms[rank].AllReduce(send.Ptr(), recv.Ptr(), count, nccl.Int32, nccl.Sum, stream); err != nil {
			return err
		}
		if err := comms[rank].AllReduce(recv.Ptr(), recv.Ptr(), count, nccl.Int32, nccl.Sum, stream); err != nil {
			return err
		}
		if err := stream.Synchronize(); err != nil {
			return err
		}
		got[rank] = download[int32](recv, count)
		return nil
	})
	for rank := range n {
		require.NoError(t, errs[rank])
		for i, v := range got[rank] {
			// Σ_r i*(r+1) = 10*i, and then summed again across the 4 ranks.
			require.Equal(t, int32(40*i), v, "rank %d, element %d", rank, i)
		}
	}
}

func TestCollectiveErrors(t *testing.T) {
	t.Run("mismatched counts", func(t *testing.T) {
		runtimes := node(2)
		comms := initComms(t, NewFabric(), runtimes)
		errs := parallel(2, func(rank int) error {
			rt := runtimes[rank]
			mem := upload(rt, float64(1), 2, 3)
			stream := rt.Current().NullStream()
			if err := comms[rank].Bcast(mem.Ptr(), 2+rank, nccl.Float64, 0, stream); err != nil {
				return err
			}
			return stream.Synchronize()
		})
		for _, err := range errs {
			ncclErr, ok := nccl.AsError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, nccl.InvalidUsage, ncclErr.Result)
			assert.Contains(t, err.Error(), "mismatched")
		}
	})

	t.Run("invalid address", func(t *testing.T) {
		runtimes := node(2)
		comms := initComms(t, NewFabric(), runtimes)
		errs := parallel(2, func(rank int) error {
			rt := runtimes[rank]
			mem := upload(rt, float32(1))
			ptr := mem.Ptr()
			if rank == 1 {
				mem.Free()
			}
			stream := rt.Current().NullStream()
			if err := comms[rank].AllReduce(ptr, ptr, 1, nccl.Float32, nccl.Sum, stream); err != nil {
				return err
			}
			return stream.Synchronize()
		})
		for _, err := range errs {
			ncclErr, ok := nccl.AsError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, nccl.InvalidArgument, ncclErr.Result)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		runtimes := node(1)
		comm := initComms(t, NewFabric(), runtimes)[0]
		stream := runtimes[0].Current().NullStream()
		assert.Error(t, comm.Bcast(0, 1, nccl.Float32, 1, stream))
		assert.Error(t, comm.Bcast(0, -1, nccl.Float32, 0, stream))
		assert.Error(t, comm.Bcast(0, 1, nccl.DataType(100), 0, stream))
		assert.Error(t, comm.AllReduce(0, 0, 1, nccl.Float32, nccl.RedOp(3), stream))
		assert.Error(t, comm.Bcast(0, 1, nccl.Float32, 0, nil))
		require.NoError(t, comm.Destroy())
		assert.Error(t, comm.Bcast(0, 0, nccl.Float32, 0, stream))
		assert.Zero(t, stream.Executed())
	})
}
