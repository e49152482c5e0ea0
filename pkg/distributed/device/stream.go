// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"k8s.io/klog/v2"
)

// Stream is an in-order queue of asynchronous device work.
//
// Work enqueued runs in the background, one item at a time, in the order it was enqueued.
// The first error is sticky: subsequent work is skipped until Synchronize reports it.
type Stream struct {
	name string

	mu       sync.Mutex
	cond     sync.Cond
	pending  []func() error
	running  bool
	err      error
	executed int
}

// NewStream creates a new idle stream.
func NewStream(name string) *Stream {
	s := &Stream{name: name}
	s.cond = sync.Cond{L: &s.mu}
	return s
}

// Name of the stream, for logging.
func (s *Stream) Name() string { return s.name }

// Enqueue schedules work to run after all previously enqueued work. It doesn't block.
func (s *Stream) Enqueue(work func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, work)
	if !s.running {
		s.running = true
		go s.drain()
	}
}

// drain runs pending work until the queue is empty.
func (s *Stream) drain() {
	s.mu.Lock()
	for len(s.pending) > 0 {
		work := s.pending[0]
		essentials.OrderedDelete(&s.pending, 0)
		skip := s.err != nil
		s.mu.Unlock()

		var err error
		if !skip {
			err = runWork(work)
		}

		s.mu.Lock()
		if !skip {
			s.executed++
		}
		if err != nil && s.err == nil {
			s.err = err
			klog.V(1).Infof("stream %s: work failed, skipping the remaining queue: %v", s.name, err)
		}
	}
	s.running = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// runWork converts a panic in work into an error, so the stream is never left running.
func runWork(work func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.WithMessage(e, "panic in stream work")
			} else {
				err = errors.Errorf("panic in stream work: %v", r)
			}
		}
	}()
	return work()
}

// Synchronize blocks until all work enqueued so far has completed, and returns (and clears) the first
// error that happened since the last call.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// Executed returns the number of work items executed so far.
func (s *Stream) Executed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed
}
