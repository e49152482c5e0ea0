// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package localmpi implements mpi.Comm for a "world" of ranks living in the same Go process, one
// goroutine per rank.
//
// Each rank is given a hostname, so a single process can emulate the topology of several nodes.
// It is used by tests and by the benchmark tool to run the communicators without an MPI installation.
package localmpi

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gomlx/nodecomm/pkg/distributed/mpi"
	"github.com/gomlx/nodecomm/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// World holds the shared state of all the ranks.
type World struct {
	hostnames []string
	timeout   time.Duration

	mu     sync.Mutex
	groups map[string]*group
	comms  []*Comm
}

// NewWorld creates a world with one rank per hostname given. Ranks with the same hostname are
// considered to be on the same node.
func NewWorld(hostnames ...string) *World {
	w := &World{
		hostnames: slices.Clone(hostnames),
		groups:    make(map[string]*group),
	}
	worldRanks := make([]int, len(hostnames))
	for i := range worldRanks {
		worldRanks[i] = i
	}
	g := w.groupFor("world", worldRanks)
	w.comms = make([]*Comm, len(hostnames))
	for rank := range w.comms {
		w.comms[rank] = &Comm{world: w, group: g, rank: rank}
	}
	return w
}

// NewSingleNodeWorld creates a world with n ranks on the same host.
func NewSingleNodeWorld(n int) *World {
	hostnames := make([]string, n)
	for i := range hostnames {
		hostnames[i] = "localhost"
	}
	return NewWorld(hostnames...)
}

// WithTimeout sets the maximum time a rank waits for the others in a collective call, after which the
// call fails. The default (0) waits forever, like MPI.
func (w *World) WithTimeout(timeout time.Duration) *World {
	w.timeout = timeout
	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return len(w.comms) }

// Comm returns the world communicator of the given rank.
// Each Comm must only be used by one goroutine at a time.
func (w *World) Comm(rank int) *Comm { return w.comms[rank] }

// Run calls fn for every rank in its own goroutine, and waits for all of them.
// It returns the error of the lowest rank that failed, if any.
func (w *World) Run(fn func(comm *Comm) error) error {
	errs := make([]error, w.Size())
	var wg sync.WaitGroup
	for rank := range w.Size() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = fn(w.comms[rank])
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "rank %d", rank)
		}
	}
	return nil
}

// groupFor returns the group with the given id, creating it if needed.
func (w *World) groupFor(id string, worldRanks []int) *group {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g, found := w.groups[id]; found {
		return g
	}
	g := &group{id: id, worldRanks: worldRanks, rounds: make(map[uint64]*round)}
	w.groups[id] = g
	klog.V(2).Infof("localmpi: created group %q with world ranks %v", id, worldRanks)
	return g
}

// group is the state shared by the ranks of one communicator.
type group struct {
	id         string
	worldRanks []int

	mu     sync.Mutex
	rounds map[uint64]*round
}

// round is one collective call: it completes when every rank contributed.
type round struct {
	op      string
	data    [][]byte
	arrived int
	read    int
	err     error
	done    *xsync.Latch
}

// Comm implements mpi.Comm for one rank of a World.
type Comm struct {
	world *World
	group *group
	rank  int
	seq   uint64
}

var _ mpi.Comm = (*Comm)(nil)

// Rank implements mpi.Comm.
func (c *Comm) Rank() int { return c.rank }

// Size implements mpi.Comm.
func (c *Comm) Size() int { return len(c.group.worldRanks) }

// WorldRank returns the rank of the process in the World.
func (c *Comm) WorldRank() int { return c.group.worldRanks[c.rank] }

// ProcessorName implements mpi.Comm.
func (c *Comm) ProcessorName() string { return c.world.hostnames[c.WorldRank()] }

// String implements fmt.Stringer.
func (c *Comm) String() string {
	return fmt.Sprintf("%s[%d/%d]", c.group.id, c.rank, c.Size())
}

// exchange contributes data to the next collective round and waits for all ranks to contribute.
func (c *Comm) exchange(op string, data []byte) ([][]byte, error) {
	c.seq++
	seq := c.seq
	g := c.group

	g.mu.Lock()
	r, found := g.rounds[seq]
	if !found {
		r = &round{op: op, data: make([][]byte, len(g.worldRanks)), done: xsync.NewLatch()}
		g.rounds[seq] = r
	}
	if r.op != op && r.err == nil {
		r.err = errors.Errorf("mismatched collective calls #%d in %q: %s and %s", seq, g.id, r.op, op)
	}
	r.data[c.rank] = slices.Clone(data)
	r.arrived++
	if r.arrived == len(r.data) {
		r.done.Trigger()
	}
	g.mu.Unlock()

	if !r.done.WaitTimeout(c.world.timeout) {
		return nil, errors.Errorf("%s: %s timed out after %s, not all ranks joined", c, op, c.world.timeout)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	r.read++
	if r.read == len(r.data) {
		delete(g.rounds, seq)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.data, nil
}

// Barrier implements mpi.Comm.
func (c *Comm) Barrier() error {
	_, err := c.exchange("barrier", nil)
	return err
}

// Bcast implements mpi.Comm.
func (c *Comm) Bcast(data []byte, root int) ([]byte, error) {
	if root < 0 || root >= c.Size() {
		return nil, errors.Errorf("%s: invalid root %d for Bcast", c, root)
	}
	if c.rank != root {
		data = nil
	}
	all, err := c.exchange(fmt.Sprintf("bcast(root=%d)", root), data)
	if err != nil {
		return nil, err
	}
	return slices.Clone(all[root]), nil
}

// Allgather implements mpi.Comm.
func (c *Comm) Allgather(data []byte) ([][]byte, error) {
	all, err := c.exchange("allgather", data)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(all))
	for i, b := range all {
		out[i] = slices.Clone(b)
	}
	return out, nil
}

// Split implements mpi.Comm.
func (c *Comm) Split(color, key int) (mpi.Comm, error) {
	if color < 0 && color != mpi.Undefined {
		return nil, errors.Errorf("%s: invalid color %d for Split", c, color)
	}
	var payload []byte
	payload = binary.LittleEndian.AppendUint64(payload, uint64(int64(color)))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(int64(key)))
	all, err := c.exchange("split", payload)
	if err != nil {
		return nil, err
	}
	if color == mpi.Undefined {
		return nil, nil
	}

	type member struct{ rank, key int }
	var members []member
	for rank, b := range all {
		if int(int64(binary.LittleEndian.Uint64(b[:8]))) != color {
			continue
		}
		members = append(members, member{rank: rank, key: int(int64(binary.LittleEndian.Uint64(b[8:])))})
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].key < members[j].key })

	worldRanks := make([]int, len(members))
	newRank := -1
	for i, m := range members {
		worldRanks[i] = c.group.worldRanks[m.rank]
		if m.rank == c.rank {
			newRank = i
		}
	}
	id := fmt.Sprintf("%s/split%d.color%d", c.group.id, c.seq, color)
	return &Comm{world: c.world, group: c.world.groupFor(id, worldRanks), rank: newRank}, nil
}
