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

// Package spinlock implements the lowest-level mutual exclusion primitives
// permitted below the scheduler: a bare test-and-set Spin lock and an
// IRQSpin variant that additionally suppresses the local virtual CPU's
// preemption ticker for the duration of the critical section. Every higher
// synchronization primitive (mutexes, condition variables, the wait queue
// itself) is built on top of these, never the other way around.
package spinlock

import (
	"sync/atomic"

	"github.com/vesperos/kernel/pkg/sentry/errs"
)

// Debug enables the owner-CPU tag and the deadlock probe's diagnostic
// message. It costs an extra CAS-free load on the fast path, so production
// boots may disable it.
var Debug = true

// MaxSpinAttempts bounds how many times Lock will spin before concluding
// the lock is held forever (a deadlock) and escalating to errs.Fatal. Set
// to 0 to spin forever (only sensible with Debug off, in tests that
// deliberately hold a lock across goroutines for a bounded time).
var MaxSpinAttempts = 50_000_000

// Spin is a test-and-set spinlock with an optional owner-CPU tag.
type Spin struct {
	locked atomic.Bool
	// owner is the CPU index that currently holds the lock, valid only
	// when Debug is true and locked is true.
	owner atomic.Int32
}

// TryLock attempts to acquire the lock without blocking and reports whether
// it succeeded.
func (s *Spin) TryLock(cpu int32) bool {
	if s.locked.CompareAndSwap(false, true) {
		if Debug {
			s.owner.Store(cpu)
		}
		return true
	}
	return false
}

// Lock acquires the lock, spinning until it is available. cpu identifies the
// calling virtual CPU for the owner tag and deadlock diagnostics.
func (s *Spin) Lock(cpu int32) {
	attempts := 0
	for !s.TryLock(cpu) {
		attempts++
		if MaxSpinAttempts > 0 && attempts >= MaxSpinAttempts {
			if Debug {
				errs.Fatal("spinlock: deadlock probe tripped after %d attempts (held by cpu %d, requested by cpu %d)", attempts, s.owner.Load(), cpu)
			}
			errs.Fatal("spinlock: deadlock probe tripped after %d attempts", attempts)
		}
	}
}

// Unlock releases the lock.
func (s *Spin) Unlock() {
	if Debug {
		s.owner.Store(-1)
	}
	s.locked.Store(false)
}

// Ticker is the subset of the scheduler's preemption source that an IRQSpin
// needs to suppress while held. The concrete implementation lives in
// package sched to avoid an import cycle; sched.VCPU satisfies this
// interface.
type Ticker interface {
	// SuppressPreemption disables quantum-expiry preemption for the
	// calling virtual CPU and returns a token to pass to
	// RestorePreemption.
	SuppressPreemption() (token bool)
	// RestorePreemption restores the preemption state captured by token.
	RestorePreemption(token bool)
}

// IRQSpin is a Spin that additionally disables local preemption ("IRQs") on
// acquisition, restoring it on release. It models the hardware
// save-IRQ-flags/cli/sti sequence as suppression of the owning virtual
// CPU's preemption ticker, since a userspace simulation has no real
// interrupt line to mask.
type IRQSpin struct {
	Spin
	token bool
}

// Lock acquires the lock and disables preemption on t for the duration of
// the critical section.
func (s *IRQSpin) Lock(cpu int32, t Ticker) {
	tok := t.SuppressPreemption()
	s.Spin.Lock(cpu)
	s.token = tok
}

// Unlock restores preemption on t and releases the lock.
func (s *IRQSpin) Unlock(t Ticker) {
	tok := s.token
	s.Spin.Unlock()
	t.RestorePreemption(tok)
}
