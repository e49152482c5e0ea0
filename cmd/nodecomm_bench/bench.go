// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/gomlx/nodecomm/pkg/core/params"
	"github.com/gomlx/nodecomm/pkg/distributed/communicator"
	"github.com/gomlx/nodecomm/pkg/distributed/device"
	"github.com/gomlx/nodecomm/pkg/distributed/mpi/localmpi"
	"github.com/gomlx/nodecomm/pkg/distributed/nccl/simnccl"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/tebeka/atexit"
	"k8s.io/klog/v2"
)

type options struct {
	ranks, iterations   int
	numParams, elements int
	dtype, transfer     string
	memory              string
	timeout             time.Duration
	noProgress          bool
}

func defaultOptions() *options {
	return &options{
		ranks:      4,
		iterations: 20,
		numParams:  8,
		elements:   1 << 14,
		dtype:      "float32",
		memory:     "0",
		timeout:    time.Minute,
	}
}

// rankStats are the measurements of one rank.
type rankStats struct {
	bcast, allreduce  time.Duration
	bufferA, bufferB  int
	dataChecksum      float64
	gradChecksum      float64
	device            string
	deviceMemoryInUse int
}

// run the benchmark with the given options.
func run(opts *options) error {
	if opts.ranks < 1 || opts.iterations < 1 || opts.numParams < 1 || opts.elements < 0 {
		return errors.Errorf("invalid benchmark sizes: ranks=%d, iterations=%d, params=%d, elements=%d",
			opts.ranks, opts.iterations, opts.numParams, opts.elements)
	}
	dtype, err := dtypes.Parse(opts.dtype)
	if err != nil {
		return err
	}
	if !dtype.IsFloat() {
		return errors.Errorf("--dtype must be a float, got %s", dtype)
	}
	cfg, err := communicator.DefaultConfig()
	if err != nil {
		return err
	}
	if opts.transfer != "" {
		transfer, err := dtypes.Parse(opts.transfer)
		if err != nil {
			return err
		}
		cfg.WithTransferDType(transfer)
	}
	memory, err := humanize.ParseBytes(opts.memory)
	if err != nil {
		return errors.Wrapf(err, "invalid --memory=%q", opts.memory)
	}

	devices := make([]*device.Device, opts.ranks)
	for i := range devices {
		devices[i] = device.New(i, int(memory))
	}
	world := localmpi.NewSingleNodeWorld(opts.ranks).WithTimeout(opts.timeout)
	fabric := simnccl.NewFabric().WithTimeout(opts.timeout)

	bar := progressbar.NewOptions(opts.iterations,
		progressbar.OptionSetDescription("synchronizing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(!opts.noProgress),
		progressbar.OptionClearOnFinish(),
	)

	stats := make([]rankStats, opts.ranks)
	var muExit sync.Mutex
	err = world.Run(func(mpiComm *localmpi.Comm) error {
		rank := mpiComm.Rank()
		rt := device.NewRuntime(devices...)
		must.M(rt.SetDevice(rank))
		comm, err := communicator.New(mpiComm, fabric.Library(rt), rt, cfg)
		if err != nil {
			return err
		}
		muExit.Lock()
		atexit.Register(func() {
			if err := comm.Close(); err != nil {
				klog.Warningf("rank %d: failed to close communicator: %v", rank, err)
			}
		})
		muExit.Unlock()

		model := syntheticModel(uint64(rank), dtype, opts.numParams, opts.elements)
		s := &stats[rank]
		for range opts.iterations {
			start := time.Now()
			if err := comm.BcastData(model); err != nil {
				return err
			}
			s.bcast += time.Since(start)
			start = time.Now()
			if err := comm.AllreduceGrad(model); err != nil {
				return err
			}
			s.allreduce += time.Since(start)
			if rank == 0 {
				_ = bar.Add(1)
			}
		}
		s.bufferA, s.bufferB = comm.BufferCapacities()
		s.dataChecksum = checksum(model, params.DataField)
		s.gradChecksum = checksum(model, params.GradField)
		s.device = rt.Current().String()
		s.deviceMemoryInUse = rt.Current().Used()
		return nil
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}
	report(opts, dtype, cfg, stats)
	return verify(stats)
}

// syntheticModel creates a model whose data and gradients depend on seed.
func syntheticModel(seed uint64, dtype dtypes.DType, numParams, elements int) params.List {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	model := make(params.List, numParams)
	values := make([]float64, elements)
	for i := range model {
		p := params.NewDense(fmt.Sprintf("param_%03d", i), dtype, elements)
		for j := range values {
			values[j] = rng.NormFloat64()
		}
		must.M(p.Data().SetFloat64s(values))
		for j := range values {
			values[j] = rng.Float64()
		}
		must.M(p.Grad().SetFloat64s(values))
		model[i] = p
	}
	return model
}

func checksum(model params.List, field params.Field) float64 {
	var sum float64
	for _, p := range model {
		for i, v := range field.Of(p).Float64s() {
			sum += v * float64(i%7+1)
		}
	}
	return sum
}

// verify that all ranks ended up with the same parameters.
func verify(stats []rankStats) error {
	dataSums := make([]float64, len(stats))
	for i, s := range stats {
		dataSums[i] = s.dataChecksum
	}
	if slices.Min(dataSums) != slices.Max(dataSums) {
		return errors.Errorf("ranks have diverging parameters, checksums: %v", dataSums)
	}
	for rank, s := range stats {
		if s.gradChecksum != stats[0].gradChecksum {
			return errors.Errorf("rank %d has diverging gradients: checksum %g, rank 0 has %g",
				rank, s.gradChecksum, stats[0].gradChecksum)
		}
	}
	return nil
}
