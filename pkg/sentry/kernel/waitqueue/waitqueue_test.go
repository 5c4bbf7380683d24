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

package waitqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWakeBeforeTimeout is spec §8 end-to-end scenario 1: A sleeps with
// timeout=100ms, INTERRUPTIBLE; after 10ms B wakes it. A must see
// OkBlocked and missedWakeups must remain 0.
func TestWakeBeforeTimeout(t *testing.T) {
	q := NewQueue()
	w := NewWaiter()

	var out Outcome
	done := make(chan struct{})
	go func() {
		out = q.Sleep(w, 100*time.Millisecond, Interruptible)
		close(done)
	}()

	// Give the sleeper time to link in.
	time.Sleep(10 * time.Millisecond)
	q.WakeOne()
	<-done

	assert.Equal(t, OkBlocked, out)
	assert.Equal(t, 0, q.MissedWakeups())
}

// TestTimeoutFires is spec §8 scenario 2 with the timeout shortened to 50ms:
// B never wakes; A must see Timeout no earlier than 50ms and missedWakeups
// must remain 0.
func TestTimeoutFires(t *testing.T) {
	q := NewQueue()
	w := NewWaiter()

	start := time.Now()
	out := q.Sleep(w, 50*time.Millisecond, 0)
	elapsed := time.Since(start)

	assert.Equal(t, Timeout, out)
	assert.Equal(t, 0, q.MissedWakeups())
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

// TestMissedWakeupThenAtomicSleep is spec §8 scenario 3: B wakes an empty
// queue first; A then sleeps and must return OkAtomic immediately, leaving
// missedWakeups at 0 afterward.
func TestMissedWakeupThenAtomicSleep(t *testing.T) {
	q := NewQueue()
	q.WakeOne()
	require.Equal(t, 1, q.MissedWakeups())

	w := NewWaiter()
	start := time.Now()
	out := q.Sleep(w, 100*time.Millisecond, 0)
	elapsed := time.Since(start)

	assert.Equal(t, OkAtomic, out)
	assert.Equal(t, 0, q.MissedWakeups())
	assert.Less(t, elapsed, 20*time.Millisecond)
}

// TestWouldBlockOnNonBlocking covers the boundary case: timeout=0 and
// NonBlocking on an empty queue returns WouldBlock without touching
// missedWakeups.
func TestWouldBlockOnNonBlocking(t *testing.T) {
	q := NewQueue()
	w := NewWaiter()
	out := q.Sleep(w, 0, NonBlocking)
	assert.Equal(t, WouldBlock, out)
	assert.Equal(t, 0, q.MissedWakeups())
}

// TestNonBlockingConsumesMissedWakeup: the same NonBlocking wait on a queue
// with a positive missed-wakeup count returns OkAtomic without blocking.
func TestNonBlockingConsumesMissedWakeup(t *testing.T) {
	q := NewQueue()
	q.WakeAll()
	require.Equal(t, 1, q.MissedWakeups())

	w := NewWaiter()
	out := q.Sleep(w, 0, NonBlocking)
	assert.Equal(t, OkAtomic, out)
	assert.Equal(t, 0, q.MissedWakeups())
}

// TestFIFOOrdering is spec §8 invariant 5: if T1 sleeps strictly before T2
// and the queue receives two wakes, T1 must be woken before T2.
func TestFIFOOrdering(t *testing.T) {
	q := NewQueue()
	w1 := NewWaiter()
	w2 := NewWaiter()

	order := make(chan int, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.Sleep(w1, 0, 0)
		order <- 1
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		q.Sleep(w2, 0, 0)
		order <- 2
	}()
	time.Sleep(5 * time.Millisecond)

	q.WakeOne()
	q.WakeOne()
	wg.Wait()
	close(order)

	var got []int
	for v := range order {
		got = append(got, v)
	}
	require.Len(t, got, 2)
	assert.Equal(t, []int{1, 2}, got)
}

// TestInterruptOnlyAffectsInterruptible: interrupt_sleep is a no-op for a
// thread that did not set INTERRUPTIBLE.
func TestInterruptOnlyAffectsInterruptible(t *testing.T) {
	q := NewQueue()
	w := NewWaiter()

	done := make(chan Outcome, 1)
	go func() {
		done <- q.Sleep(w, 0, 0)
	}()
	time.Sleep(10 * time.Millisecond)

	w.Interrupt() // must be a silent no-op

	select {
	case <-done:
		t.Fatal("non-interruptible waiter was woken by Interrupt")
	case <-time.After(20 * time.Millisecond):
	}

	q.WakeOne()
	assert.Equal(t, OkBlocked, <-done)
}

// TestInterruptWakesInterruptibleWaiter confirms interrupt_sleep does wake
// a thread that slept with INTERRUPTIBLE.
func TestInterruptWakesInterruptibleWaiter(t *testing.T) {
	q := NewQueue()
	w := NewWaiter()

	done := make(chan Outcome, 1)
	go func() {
		done <- q.Sleep(w, 0, Interruptible)
	}()
	time.Sleep(10 * time.Millisecond)

	w.Interrupt()
	assert.Equal(t, Interrupted, <-done)
}

// TestLinkedInvariant checks spec invariant 1 directly: a waiter is linked
// into a queue if and only if its linkedQueue() reports that queue.
func TestLinkedInvariant(t *testing.T) {
	q := NewQueue()
	w := NewWaiter()
	assert.Nil(t, w.linkedQueue())

	done := make(chan struct{})
	go func() {
		q.Sleep(w, 0, 0)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, q, w.linkedQueue())

	q.WakeOne()
	<-done
	assert.Nil(t, w.linkedQueue())
}
