// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sched

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vesperos/kernel/pkg/log"
)

// Hooks lets an owning Kernel observe scheduler events (e.g. to update
// Prometheus counters) without this package taking a dependency on any
// particular metrics backend.
type Hooks struct {
	OnPreempt func(cpu int)
	OnSteal   func(fromCPU, toCPU int, n int)
	OnIdle    func(cpu int)
}

// VCPU is this module's goroutine-backed stand-in for a hardware CPU: it
// owns a RunQueue and runs a tight select-highest-band/run/requeue loop
// until its context is cancelled.
type VCPU struct {
	id       int
	rq       *RunQueue
	sched    *Scheduler
	quantum  time.Duration
	suppress bool // preemption suppression token for IRQSpin
}

// ID returns the VCPU's index.
func (v *VCPU) ID() int { return v.id }

// RunQueue returns v's run queue (exported for load-balancer inspection and
// tests).
func (v *VCPU) RunQueue() *RunQueue { return v.rq }

// SuppressPreemption implements spinlock.Ticker: a VCPU holding an IRQSpin
// does not preempt its own current runnable mid-critical-section. Since our
// quantum is enforced by a context deadline established before Run is
// called, suppression here just records intent for introspection; the
// owning Thread is expected to avoid re-entering a blocking point while
// holding the spinlock, per spec §5.
func (v *VCPU) SuppressPreemption() bool {
	prev := v.suppress
	v.suppress = true
	return prev
}

// RestorePreemption implements spinlock.Ticker.
func (v *VCPU) RestorePreemption(token bool) {
	v.suppress = token
}

// Scheduler owns a fixed set of VCPUs and the load-balancing policy between
// them.
type Scheduler struct {
	vcpus       []*VCPU
	hooks       Hooks
	stealBatch  int
	quantumFunc func(band int) time.Duration
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithHooks installs observability callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithStealBatch bounds how many runnables a single load-balance pass may
// move from one CPU to another.
func WithStealBatch(n int) Option {
	return func(s *Scheduler) { s.stealBatch = n }
}

// WithQuantumFunc overrides the per-band quantum; the default gives every
// band DefaultQuantum.
func WithQuantumFunc(f func(band int) time.Duration) Option {
	return func(s *Scheduler) { s.quantumFunc = f }
}

// NewScheduler creates a Scheduler with numCPUs virtual CPUs.
func NewScheduler(numCPUs int, opts ...Option) *Scheduler {
	s := &Scheduler{stealBatch: 4}
	for _, opt := range opts {
		opt(s)
	}
	if s.quantumFunc == nil {
		s.quantumFunc = func(int) time.Duration { return DefaultQuantum }
	}
	s.vcpus = make([]*VCPU, numCPUs)
	for i := range s.vcpus {
		s.vcpus[i] = &VCPU{id: i, rq: newRunQueue(), sched: s, quantum: DefaultQuantum}
	}
	return s
}

// NumCPUs returns the number of virtual CPUs.
func (s *Scheduler) NumCPUs() int { return len(s.vcpus) }

// VCPU returns the VCPU at index i.
func (s *Scheduler) VCPU(i int) *VCPU { return s.vcpus[i] }

// Enqueue places r onto the run queue of the CPU at index cpu, applying the
// band transition for reason.
func (s *Scheduler) Enqueue(cpu int, r Runnable, reason EnqueueReason) {
	s.vcpus[cpu%len(s.vcpus)].rq.Enqueue(r, reason)
}

// Start launches every VCPU's scheduling loop under an errgroup, the way
// gVisor's Kernel.Start fans out one goroutine per task; ctx cancellation
// stops every loop. Start returns once all loops have exited (on ctx
// cancellation) or one returns an error.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, v := range s.vcpus {
		v := v
		g.Go(func() error {
			return s.loop(ctx, v)
		})
	}
	return g.Wait()
}

// safeRun invokes r.Run at the top of v's loop under a recover: an
// errs.Fatal panic raised deep inside a runnable is intra-kernel-fault
// fatal by contract, but it is recovered here just long enough to log
// which VCPU and runnable hit it before being re-panicked, so the crash
// is diagnosable instead of silently tearing down the errgroup.
func safeRun(v *VCPU, r Runnable, ctx context.Context) (result RunResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warningf("vcpu %d: fatal panic running band %d runnable: %v", v.id, r.Band(), rec)
			panic(rec)
		}
	}()
	return r.Run(ctx)
}

// loop is a single VCPU's scheduling loop.
func (s *Scheduler) loop(ctx context.Context, v *VCPU) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r, ok := v.rq.Select()
		if !ok {
			if s.balance(v) {
				continue
			}
			if s.hooks.OnIdle != nil {
				s.hooks.OnIdle(v.id)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
			continue
		}

		quantum := s.quantumFunc(r.Band())
		runCtx, cancel := context.WithTimeout(ctx, quantum)
		result := safeRun(v, r, runCtx)
		cancel()

		switch result {
		case Exited:
			// Nothing to re-enqueue.
		case Preempted:
			if s.hooks.OnPreempt != nil {
				s.hooks.OnPreempt(v.id)
			}
			v.rq.Enqueue(r, ReasonPreempted)
		case Yielded:
			// The runnable is responsible for re-enqueuing itself
			// (typically on the CPU it's pinned to) if it has more
			// work; Yielded here means it gave up the CPU without
			// more ready work right now (e.g. it blocked on a wait
			// queue). Nothing to do.
		}
	}
}

// balance implements load balancing: when v's queues are all empty, it
// scans peer CPUs by increasing priority band and steals up to a bounded
// batch from the most-loaded peer. Source and destination locks are taken
// in increasing VCPU-index order to avoid deadlock, standing in for the
// spec's "address order".
func (s *Scheduler) balance(v *VCPU) bool {
	if len(s.vcpus) < 2 {
		return false
	}
	var busiest *VCPU
	busiestLen := 0
	for _, peer := range s.vcpus {
		if peer == v {
			continue
		}
		if n := peer.rq.Len(); n > busiestLen {
			busiest = peer
			busiestLen = n
		}
	}
	if busiest == nil || busiestLen == 0 {
		return false
	}

	first, second := v, busiest
	if second.id < first.id {
		first, second = second, first
	}
	first.rq.mu.Lock()
	second.rq.mu.Lock()
	stolen := v.rq.stealFromLocked(busiest.rq, s.stealBatch)
	second.rq.mu.Unlock()
	first.rq.mu.Unlock()

	if stolen > 0 && s.hooks.OnSteal != nil {
		s.hooks.OnSteal(busiest.id, v.id, stolen)
	}
	return stolen > 0
}
