// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/nodecomm/pkg/core/dtypes"
	"github.com/gomlx/nodecomm/pkg/distributed/communicator"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newTable(headers ...string) *lgtable.Table {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99")))
	if len(headers) > 0 {
		table = table.Headers(headers...)
	}
	return table.StyleFunc(func(row, col int) (s lipgloss.Style) {
		switch {
		case row == lgtable.HeaderRow:
			return headerRowStyle
		case row%2 == 0:
			s = evenRowStyle
		default:
			s = oddRowStyle
		}
		if col > 0 {
			s = s.Align(lipgloss.Right)
		}
		return
	})
}

// report prints the summary and per-rank tables.
func report(opts *options, dtype dtypes.DType, cfg *communicator.Config, stats []rankStats) {
	transfer := cfg.TransferDType()
	if transfer == dtypes.InvalidDType {
		transfer = dtype
	}
	totalElements := opts.numParams * opts.elements
	bytesPerOp := transfer.SizeForElements(totalElements)
	var bcast, allreduce time.Duration
	for _, s := range stats {
		bcast = max(bcast, s.bcast)
		allreduce = max(allreduce, s.allreduce)
	}
	perIteration := func(d time.Duration) time.Duration { return d / time.Duration(opts.iterations) }
	throughput := func(d time.Duration) string {
		if d <= 0 {
			return "-"
		}
		return humanize.IBytes(uint64(float64(bytesPerOp)/d.Seconds())) + "/s"
	}

	fmt.Println(titleStyle.Render("Parameter synchronization benchmark"))
	summary := newTable()
	summary.Row("ranks (devices)", humanize.Comma(int64(opts.ranks)))
	summary.Row("parameters", fmt.Sprintf("%d x %s elements", opts.numParams, humanize.Comma(int64(opts.elements))))
	summary.Row("dtype / transfer", fmt.Sprintf("%s / %s", dtype, transfer))
	summary.Row("bytes per collective", humanize.IBytes(uint64(bytesPerOp)))
	summary.Row("iterations", humanize.Comma(int64(opts.iterations)))
	summary.Row("BcastData", fmt.Sprintf("%s (%s)", perIteration(bcast), throughput(perIteration(bcast))))
	summary.Row("AllreduceGrad", fmt.Sprintf("%s (%s)", perIteration(allreduce), throughput(perIteration(allreduce))))
	fmt.Println(summary.Render())

	perRank := newTable("Rank", "Device", "BcastData", "AllreduceGrad", "Buffer A", "Buffer B", "Device memory")
	for rank, s := range stats {
		perRank.Row(fmt.Sprintf("%d", rank), s.device,
			perIteration(s.bcast).String(), perIteration(s.allreduce).String(),
			humanize.IBytes(uint64(s.bufferA)), humanize.IBytes(uint64(s.bufferB)),
			humanize.IBytes(uint64(s.deviceMemoryInUse)))
	}
	fmt.Println(perRank.Render())
}
