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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunnable struct {
	name  string
	band  int
	order *[]string
}

func (r *fakeRunnable) Run(ctx context.Context) RunResult {
	*r.order = append(*r.order, r.name)
	return Yielded
}
func (r *fakeRunnable) Band() int     { return r.band }
func (r *fakeRunnable) SetBand(b int) { r.band = b }

func TestRunQueueSelectsHighestBandFirst(t *testing.T) {
	rq := newRunQueue()
	var order []string
	low := &fakeRunnable{name: "low", band: 10, order: &order}
	high := &fakeRunnable{name: "high", band: 1, order: &order}
	rq.Enqueue(low, ReasonNew)
	rq.Enqueue(high, ReasonNew)

	r, ok := rq.Select()
	require.True(t, ok)
	assert.Equal(t, "high", r.(*fakeRunnable).name)

	r, ok = rq.Select()
	require.True(t, ok)
	assert.Equal(t, "low", r.(*fakeRunnable).name)

	_, ok = rq.Select()
	assert.False(t, ok)
}

func TestBandDecaysOnPreemptionAndPromotesOnWake(t *testing.T) {
	rq := newRunQueue()
	var order []string
	r := &fakeRunnable{name: "r", band: 5, order: &order}

	rq.Enqueue(r, ReasonPreempted)
	assert.Equal(t, 6, r.band)

	rq.Select()
	rq.Enqueue(r, ReasonWoken)
	assert.Equal(t, 5, r.band)
}

func TestBandClampedAtFloorAndCeiling(t *testing.T) {
	rq := newRunQueue()
	var order []string
	r := &fakeRunnable{name: "r", band: LowestBand, order: &order}
	rq.Enqueue(r, ReasonPreempted)
	assert.Equal(t, LowestBand, r.band)

	rq.Select()
	r.band = HighestBand
	rq.Enqueue(r, ReasonWoken)
	assert.Equal(t, HighestBand, r.band)
}

func TestStealMovesFromBusiestPeer(t *testing.T) {
	s := NewScheduler(2, WithStealBatch(2))
	var order []string
	for i := 0; i < 5; i++ {
		s.Enqueue(1, &fakeRunnable{name: "w", band: HighestBand, order: &order}, ReasonNew)
	}
	require.Equal(t, 5, s.VCPU(1).RunQueue().Len())
	require.Equal(t, 0, s.VCPU(0).RunQueue().Len())

	moved := s.balance(s.VCPU(0))
	assert.True(t, moved)
	assert.Equal(t, 2, s.VCPU(0).RunQueue().Len())
	assert.Equal(t, 3, s.VCPU(1).RunQueue().Len())
}

func TestSchedulerRunsEnqueuedWork(t *testing.T) {
	s := NewScheduler(1)
	var order []string
	done := make(chan struct{})
	r := &runOnceThenExit{fakeRunnable: fakeRunnable{name: "a", band: 0, order: &order}, done: done}
	s.Enqueue(0, r, ReasonNew)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	_ = s.Start(ctx)
	assert.Equal(t, []string{"a"}, order)
}

type runOnceThenExit struct {
	fakeRunnable
	done chan struct{}
}

func (r *runOnceThenExit) Run(ctx context.Context) RunResult {
	*r.order = append(*r.order, r.name)
	close(r.done)
	return Exited
}
