// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package communicator

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/gomlx/nodecomm/pkg/core/arrays"
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/gomlx/nodecomm/pkg/core/params"
	"github.com/gomlx/nodecomm/pkg/distributed/device"
	"github.com/gomlx/nodecomm/pkg/distributed/mpi/localmpi"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl/mock_nccl"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl/simnccl"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runNode creates a node with one device per rank of world, and runs fn for each rank with its communicator.
func runNode(t *testing.T, world *localmpi.World, cfg *Config, fn func(c *SingleNodeCommunicator) error) {
	n := world.Size()
	devices := make([]*device.Device, n)
	for i := range devices {
		devices[i] = device.New(i, 0)
	}
	fabric := simnccl.NewFabric().WithChunkSize(7)
	require.NoError(t, world.Run(func(mpiComm *localmpi.Comm) error {
		rt := device.NewRuntime(devices...)
		if err := rt.SetDevice(mpiComm.Rank()); err != nil {
			return err
		}
		rankCfg := &Config{}
		if cfg != nil {
			rankCfg.transferDType = cfg.transferDType
		}
		c, err := New(mpiComm, fabric.Library(rt), rt, rankCfg)
		if err != nil {
			return err
		}
		return fn(c)
	}))
}

func TestTwoRanks(t *testing.T) {
	world := localmpi.NewSingleNodeWorld(2)
	data := make([][]float32, 2)
	grads := make([][]float32, 2)
	runNode(t, world, nil, func(c *SingleNodeCommunicator) error {
		var p *params.Dense
		if c.IntraRank() == 0 {
			p = params.NewDenseFrom("w", arrays.FromFlat[float32](1, 2), arrays.FromFlat[float32](1, 2))
		} else {
			p = params.NewDenseFrom("w", arrays.FromFlat[float32](3, 4), arrays.FromFlat[float32](3, 4))
		}
		model := params.List{p}
		if err := c.BcastData(model); err != nil {
			return err
		}
		if err := c.AllreduceGrad(model); err != nil {
			return err
		}
		data[c.Rank()] = arrays.Flat[float32](p.Data())
		grads[c.Rank()] = arrays.Flat[float32](p.Grad())
		return nil
	})
	for rank := range 2 {
		assert.Equal(t, []float32{1, 2}, data[rank], "rank %d", rank)
		assert.Equal(t, []float32{2, 3}, grads[rank], "rank %d", rank)
	}
}

// randomModel creates a model with parameters of the given sizes, filled with random values
// that depend on the seed.
func randomModel(seed uint64, dtype dtypes.DType, sizes ...int) params.List {
	rng := rand.New(rand.NewPCG(seed, 17))
	model := make(params.List, len(sizes))
	for i, size := range sizes {
		p := params.NewDense(fmt.Sprintf("p%d", i), dtype, size)
		values := make([]float64, size)
		for j := range values {
			values[j] = float64(rng.IntN(200) - 100)
		}
		if err := p.Data().SetFloat64s(values); err != nil {
			panic(err)
		}
		for j := range values {
			values[j] = rng.Float64()*2 - 1
		}
		if err := p.Grad().SetFloat64s(values); err != nil {
			panic(err)
		}
		model[i] = p
	}
	return model
}

func TestBcastData(t *testing.T) {
	sizes := []int{3, 1, 0, 17}
	for _, n := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("%d ranks", n), func(t *testing.T) {
			world := localmpi.NewSingleNodeWorld(n)
			want := randomModel(0, dtypes.Float64, sizes...)
			got := make([]params.List, n)
			runNode(t, world, nil, func(c *SingleNodeCommunicator) error {
				model := randomModel(uint64(c.Rank()), dtypes.Float64, sizes...)
				// A parameter without data is skipped.
				withoutData := params.NewDenseFrom("no-data", nil, arrays.FromFlat[float64](7))
				if err := c.BcastData(append(model, withoutData)); err != nil {
					return err
				}
				got[c.Rank()] = model
				return nil
			})
			for rank := range n {
				for i, p := range got[rank] {
					assert.Equal(t, want[i].Data().Float64s(), p.Data().Float64s(), "rank %d, param %d", rank, i)
				}
			}
		})
	}
}

func TestAllreduceGrad(t *testing.T) {
	sizes := []int{5, 11, 2}
	for _, n := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("%d ranks", n), func(t *testing.T) {
			world := localmpi.NewSingleNodeWorld(n)
			// Expected average, computed on the host.
			want := make([][]float64, len(sizes))
			for i, size := range sizes {
				want[i] = make([]float64, size)
			}
			for rank := range n {
				for i, p := range randomModel(uint64(rank), dtypes.Float32, sizes...) {
					for j, v := range p.Grad().Float64s() {
						want[i][j] += v / float64(n)
					}
				}
			}
			got := make([]params.List, n)
			runNode(t, world, nil, func(c *SingleNodeCommunicator) error {
				model := randomModel(uint64(c.Rank()), dtypes.Float32, sizes...)
				// A parameter without gradient is skipped.
				frozen := params.NewDense("frozen", dtypes.Float32, 3)
				frozen.ClearGrad()
				if err := c.AllreduceGrad(append(model, frozen)); err != nil {
					return err
				}
				got[c.Rank()] = model
				return nil
			})
			for rank := range n {
				for i, p := range got[rank] {
					assert.InDeltaSlice(t, want[i], p.Grad().Float64s(), 1e-5, "rank %d, param %d", rank, i)
				}
			}
		})
	}
}

func TestTransferDType(t *testing.T) {
	world := localmpi.NewSingleNodeWorld(2)
	cfg := (&Config{}).WithTransferDType(dtypes.Float16)
	got := make([][]float64, 2)
	runNode(t, world, cfg, func(c *SingleNodeCommunicator) error {
		grad := arrays.FromFlat(0.1, 1000.25*float64(c.Rank()+1))
		p := params.NewDenseFrom("w", arrays.FromFlat(0.0, 0.0), grad)
		if err := c.AllreduceGrad(params.List{p}); err != nil {
			return err
		}
		// Buffers are sized with the transfer dtype.
		a, b := c.BufferCapacities()
		if a != 4 || b != 4 {
			return errors.Errorf("unexpected buffer capacities %d and %d", a, b)
		}
		got[c.Rank()] = p.Grad().Float64s()
		return nil
	})
	for rank := range 2 {
		// Precision is lost in the Float16 transfer.
		assert.InDelta(t, 0.1, got[rank][0], 1e-3)
		assert.NotEqual(t, 0.1, got[rank][0])
		assert.InDelta(t, 1500.375, got[rank][1], 2)
	}
}

func TestMultiNode(t *testing.T) {
	world := localmpi.NewWorld("node0", "node1", "node0", "node1")
	fabric := simnccl.NewFabric()
	errs := make([]error, world.Size())
	_ = world.Run(func(mpiComm *localmpi.Comm) error {
		rt := device.NewRuntime(device.New(0, 0))
		c, err := New(mpiComm, fabric.Library(rt), rt, &Config{})
		assert.Nil(t, c)
		errs[mpiComm.Rank()] = err
		return nil
	})
	for rank, err := range errs {
		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr), "rank %d: %v", rank, err)
		assert.Contains(t, cfgErr.Reason, "multiple nodes")
	}
	// No intra-node communicator was ever started.
	assert.Zero(t, fabric.Pending())
}

func TestUnavailable(t *testing.T) {
	world := localmpi.NewSingleNodeWorld(1)
	rt := device.NewRuntime(device.New(0, 0))
	_, err := New(world.Comm(0), nccl.Unavailable{}, rt, &Config{})
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	_, err = New(world.Comm(0), simnccl.NewFabric().Library(device.NewRuntime()), device.NewRuntime(), &Config{})
	require.True(t, errors.As(err, &cfgErr))
}

func TestLazyInit(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := device.New(0, 0)
	rt := device.NewRuntime(dev)
	simLib := simnccl.NewFabric().Library(rt)

	// The mock delegates to the simulated library, and checks it's only initialized once.
	lib := mock_nccl.NewMockLibrary(ctrl)
	lib.EXPECT().Available().Return(true).AnyTimes()
	lib.EXPECT().GetUniqueID().DoAndReturn(simLib.GetUniqueID).Times(1)
	lib.EXPECT().CommInitRank(1, gomock.Any(), 0).DoAndReturn(simLib.CommInitRank).Times(1)

	world := localmpi.NewSingleNodeWorld(1)
	c, err := New(world.Comm(0), lib, rt, &Config{})
	require.NoError(t, err)
	assert.False(t, c.IsReady())
	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, 0, c.InterRank())
	assert.Equal(t, 1, c.InterSize())

	// Empty models are a no-op, but the communicators are still created.
	require.NoError(t, c.BcastData(params.List{}))
	assert.True(t, c.IsReady())
	a, b := c.BufferCapacities()
	assert.Zero(t, a)
	assert.Zero(t, b)

	model := randomModel(1, dtypes.Float32, 8)
	want := model[0].Data().Float64s()
	for range 3 {
		require.NoError(t, c.BcastData(model))
		require.NoError(t, c.AllreduceGrad(model))
	}
	assert.Equal(t, want, model[0].Data().Float64s())
	a, b = c.BufferCapacities()
	assert.Equal(t, 32, a)
	assert.Equal(t, 32, b)
	assert.Equal(t, 1, c.bufA.Reallocations())
	require.NoError(t, c.Close())
	assert.Zero(t, dev.Used())
}

// newMockedCommunicator returns a single rank communicator whose device communicator is comm.
func newMockedCommunicator(t *testing.T, ctrl *gomock.Controller, rt *device.Runtime) (*SingleNodeCommunicator, *mock_nccl.MockComm) {
	comm := mock_nccl.NewMockComm(ctrl)
	comm.EXPECT().Rank().Return(0).AnyTimes()
	comm.EXPECT().Size().Return(1).AnyTimes()
	comm.EXPECT().Device().Return(rt.Current()).AnyTimes()
	lib := mock_nccl.NewMockLibrary(ctrl)
	lib.EXPECT().Available().Return(true).AnyTimes()
	lib.EXPECT().GetUniqueID().Return(nccl.UniqueID{}, nil)
	lib.EXPECT().CommInitRank(1, gomock.Any(), 0).Return(comm, nil)
	c, err := New(localmpi.NewSingleNodeWorld(1).Comm(0), lib, rt, &Config{})
	require.NoError(t, err)
	return c, comm
}

func TestCollectiveErrors(t *testing.T) {
	t.Run("OnEnqueue", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rt := device.NewRuntime(device.New(0, 0))
		c, comm := newMockedCommunicator(t, ctrl, rt)
		model := randomModel(3, dtypes.Float32, 4)

		comm.EXPECT().AllReduce(gomock.Any(), gomock.Any(), 4, nccl.Float32, nccl.Sum, gomock.Any()).
			Return(nccl.NewError(nccl.InvalidUsage, "AllReduce", "bad usage")).Times(1)
		err := c.AllreduceGrad(model)
		var collErr *CollectiveError
		require.True(t, errors.As(err, &collErr), "got %v", err)
		assert.Equal(t, nccl.InvalidUsage, collErr.Result)
		assert.Contains(t, err.Error(), "AllreduceGrad")
		assert.Same(t, err, c.Err())

		// Later operations fail with the same error, without reaching the device communicator.
		for range 2 {
			assert.Same(t, err, c.BcastData(model))
			assert.Same(t, err, c.AllreduceGrad(model))
		}
	})

	t.Run("OnStream", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rt := device.NewRuntime(device.New(0, 0))
		c, comm := newMockedCommunicator(t, ctrl, rt)
		model := randomModel(3, dtypes.Float32, 4)

		comm.EXPECT().Bcast(gomock.Any(), 4, nccl.Float32, 0, gomock.Any()).
			DoAndReturn(func(_ device.Ptr, _ int, _ nccl.DataType, _ int, stream *device.Stream) error {
				stream.Enqueue(func() error {
					return nccl.NewError(nccl.RemoteError, "Bcast", "peer went away")
				})
				return nil
			}).Times(1)
		err := c.BcastData(model)
		var collErr *CollectiveError
		require.True(t, errors.As(err, &collErr), "got %v", err)
		assert.Equal(t, nccl.RemoteError, collErr.Result)
		assert.Contains(t, err.Error(), "BcastData")
		assert.Same(t, err, c.AllreduceGrad(model))
	})

	t.Run("OnInit", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rt := device.NewRuntime(device.New(0, 0))
		lib := mock_nccl.NewMockLibrary(ctrl)
		lib.EXPECT().Available().Return(true).AnyTimes()
		failure := nccl.NewError(nccl.SystemError, "GetUniqueID", "no luck")
		lib.EXPECT().GetUniqueID().Return(nccl.UniqueID{}, failure).Times(1)
		c, err := New(localmpi.NewSingleNodeWorld(1).Comm(0), lib, rt, &Config{})
		require.NoError(t, err)

		for range 2 {
			err = c.BcastData(randomModel(3, dtypes.Float32, 4))
			assert.True(t, errors.Is(err, failure), "got %v", err)
		}
		assert.False(t, c.IsReady())
		assert.True(t, errors.Is(c.Err(), failure))
	})
}

func TestOwnStream(t *testing.T) {
	dev := device.New(0, 0)
	rt := device.NewRuntime(dev)
	c, err := New(localmpi.NewSingleNodeWorld(1).Comm(0), simnccl.NewFabric().Library(rt), rt, &Config{})
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()

	// Unrelated failed work on the device's null stream.
	unrelated := errors.New("unrelated kernel failed")
	dev.NullStream().Enqueue(func() error { return unrelated })

	model := randomModel(3, dtypes.Float32, 4)
	require.NoError(t, c.BcastData(model))
	require.NoError(t, c.AllreduceGrad(model))
	assert.NoError(t, c.Err())
	assert.Equal(t, unrelated, dev.NullStream().Synchronize(), "error stays with the stream that failed")
	assert.Equal(t, 2, c.stream.Executed())
}

func TestAllocationError(t *testing.T) {
	// Device with room for 16 bytes only.
	dev := device.New(0, 16)
	rt := device.NewRuntime(dev)
	fabric := simnccl.NewFabric()
	c, err := New(localmpi.NewSingleNodeWorld(1).Comm(0), fabric.Library(rt), rt, &Config{})
	require.NoError(t, err)

	small := randomModel(0, dtypes.Float32, 3)
	require.NoError(t, c.BcastData(small))

	large := randomModel(0, dtypes.Float32, 8)
	err = c.BcastData(large)
	var allocErr *AllocationError
	require.True(t, errors.As(err, &allocErr), "got %v", err)
	assert.True(t, errors.Is(err, device.ErrOutOfMemory))
	assert.Equal(t, 32, allocErr.Requested)
	a, b := c.BufferCapacities()
	assert.Equal(t, 12, a, "buffer should keep its previous allocation")
	assert.Equal(t, 0, b)

	// AllreduceGrad needs twice the memory: buffer A fits, B doesn't.
	err = c.AllreduceGrad(randomModel(0, dtypes.Float32, 2))
	require.True(t, errors.As(err, &allocErr), "got %v", err)
	a, b = c.BufferCapacities()
	assert.Equal(t, 12, a)
	assert.Equal(t, 0, b)

	// Allocation failures are not fatal: the communicator is still usable.
	assert.NoError(t, c.Err())
	require.NoError(t, c.BcastData(small))
	require.NoError(t, c.Close())
}

func TestAllocationErrorKeepsBothBuffers(t *testing.T) {
	dev := device.New(0, 40)
	rt := device.NewRuntime(dev)
	c, err := New(localmpi.NewSingleNodeWorld(1).Comm(0), simnccl.NewFabric().Library(rt), rt, &Config{})
	require.NoError(t, err)
	require.NoError(t, c.BcastData(randomModel(0, dtypes.Float32, 2)))
	a, b := c.BufferCapacities()
	require.Equal(t, 8, a)
	require.Equal(t, 0, b)

	// Growing A to 24 bytes fits, but then B doesn't: neither grows.
	err = c.AllreduceGrad(randomModel(0, dtypes.Float32, 6))
	var allocErr *AllocationError
	require.True(t, errors.As(err, &allocErr), "got %v", err)
	a, b = c.BufferCapacities()
	assert.Equal(t, 8, a)
	assert.Equal(t, 0, b)
	assert.Equal(t, 8, dev.Used())

	// Smaller gradients still fit.
	require.NoError(t, c.AllreduceGrad(randomModel(0, dtypes.Float32, 4)))
	a, b = c.BufferCapacities()
	assert.Equal(t, 16, a)
	assert.Equal(t, 16, b)
	require.NoError(t, c.Close())
	assert.Zero(t, dev.Used())
}

func TestValidation(t *testing.T) {
	world := localmpi.NewSingleNodeWorld(1)
	rt := device.NewRuntime(device.New(0, 0))
	c, err := New(world.Comm(0), simnccl.NewFabric().Library(rt), rt, &Config{})
	require.NoError(t, err)
	var validationErr *ValidationError

	// Integer gradients can't be averaged.
	ints := params.List{params.NewDense("i", dtypes.Int32, 3)}
	require.NoError(t, c.BcastData(ints))
	err = c.AllreduceGrad(ints)
	require.True(t, errors.As(err, &validationErr), "got %v", err)

	// Mixed dtypes.
	mixed := params.List{params.NewDense("a", dtypes.Float32, 3), params.NewDense("b", dtypes.Float64, 3)}
	err = c.BcastData(mixed)
	require.True(t, errors.As(err, &validationErr), "got %v", err)
	assert.Equal(t, 1, validationErr.Index)
	err = c.AllreduceGrad(mixed)
	require.True(t, errors.As(err, &validationErr), "got %v", err)

	// Integer transfer dtype for float gradients.
	c.Config().WithTransferDType(dtypes.Int8)
	err = c.AllreduceGrad(randomModel(0, dtypes.Float32, 2))
	require.True(t, errors.As(err, &validationErr), "got %v", err)
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv(NODECOMM_TRANSFER_DTYPE, "")
	cfg, err := DefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, dtypes.InvalidDType, cfg.TransferDType())
	assert.Equal(t, dtypes.Float32, cfg.transferFor(dtypes.Float32))

	t.Setenv(NODECOMM_TRANSFER_DTYPE, "Half")
	cfg, err = DefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, cfg.TransferDType())
	assert.Equal(t, dtypes.Float16, cfg.transferFor(dtypes.Float64))

	t.Setenv(NODECOMM_TRANSFER_DTYPE, "complex256")
	_, err = DefaultConfig()
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	// New uses DefaultConfig if none is given.
	t.Setenv(NODECOMM_TRANSFER_DTYPE, "bf16")
	rt := device.NewRuntime(device.New(0, 0))
	c, err := New(localmpi.NewSingleNodeWorld(1).Comm(0), simnccl.NewFabric().Library(rt), rt, nil)
	require.NoError(t, err)
	assert.Equal(t, dtypes.BFloat16, c.Config().TransferDType())
}
