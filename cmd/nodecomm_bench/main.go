// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// nodecomm_bench runs a simulated node with N devices, one rank (goroutine) per device, and measures
// the time of BcastData and AllreduceGrad over a synthetic model.
//
// Usage:
//
//	nodecomm_bench --ranks=4 --params=16 --elements=65536 --dtype=float32 --transfer=float16
package main

import (
	"flag"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"k8s.io/klog/v2"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("nodecomm_bench failed: %+v", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

func newRootCommand() *cobra.Command {
	opts := defaultOptions()
	cmd := &cobra.Command{
		Use:   "nodecomm_bench",
		Short: "Benchmark parameter synchronization across the devices of a simulated node",
		Long: `Runs one rank per simulated device, all in the same process, and times the broadcast of the
parameters (BcastData) and the averaging of gradients (AllreduceGrad) of a synthetic model.`,
		Example: `  # 4 devices, 16 parameters of 64K float32 elements, transferred as float16
  nodecomm_bench --ranks=4 --params=16 --elements=65536 --transfer=float16

  # Limited device memory, with verbose logging
  nodecomm_bench --ranks=2 --memory=1MiB --v=1`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.ranks, "ranks", opts.ranks, "Number of simulated devices, one rank per device.")
	flags.IntVar(&opts.iterations, "iterations", opts.iterations, "Number of BcastData+AllreduceGrad iterations.")
	flags.IntVar(&opts.numParams, "params", opts.numParams, "Number of parameters in the model.")
	flags.IntVar(&opts.elements, "elements", opts.elements, "Number of elements of each parameter.")
	flags.StringVar(&opts.dtype, "dtype", opts.dtype, "DType of the parameters.")
	flags.StringVar(&opts.transfer, "transfer", opts.transfer,
		"DType used in the transfers. If empty, $NODECOMM_TRANSFER_DTYPE or the parameters dtype is used.")
	flags.StringVar(&opts.memory, "memory", opts.memory, "Memory of each device (e.g. \"512MiB\"), 0 for unlimited.")
	flags.DurationVar(&opts.timeout, "timeout", opts.timeout, "Timeout waiting for other ranks, 0 waits forever.")
	flags.BoolVar(&opts.noProgress, "no_progress", opts.noProgress, "Disable the progress bar.")

	// klog flags (--v, --logtostderr, etc.)
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)
	return cmd
}
