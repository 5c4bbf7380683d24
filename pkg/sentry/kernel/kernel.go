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

package kernel

import (
	"context"

	"github.com/vesperos/kernel/pkg/sentry/kernel/sched"
	"github.com/vesperos/kernel/pkg/sentry/mm"
	"github.com/vesperos/kernel/pkg/sentry/metric"
)

// Kernel owns every cross-task resource: the scheduler, the task registry,
// and the ASID pool every task's address space draws from.
type Kernel struct {
	taskSet  *TaskSet
	Sched    *sched.Scheduler
	asidPool *mm.ASIDPool
	metrics  *metric.Registry
}

// Config configures a new Kernel.
type Config struct {
	NumCPUs  int
	ASIDPool int
	Metrics  *metric.Registry
}

// NewKernel constructs a Kernel with cfg.NumCPUs virtual CPUs and an ASID
// pool of size cfg.ASIDPool.
func NewKernel(cfg Config) *Kernel {
	k := &Kernel{
		taskSet:  newTaskSet(),
		asidPool: mm.NewASIDPool(cfg.ASIDPool),
		metrics:  cfg.Metrics,
	}
	hooks := sched.Hooks{}
	if k.metrics != nil {
		hooks.OnPreempt = func(cpu int) { k.metrics.PreemptionsTotal.Inc() }
		hooks.OnSteal = func(from, to int, n int) { k.metrics.StealsTotal.Add(float64(n)) }
		hooks.OnIdle = func(cpu int) { k.metrics.IdlePolls.Inc() }
	}
	k.Sched = sched.NewScheduler(cfg.NumCPUs, sched.WithHooks(hooks))
	return k
}

// Start runs the scheduler's VCPU loops until ctx is cancelled.
func (k *Kernel) Start(ctx context.Context) error {
	return k.Sched.Start(ctx)
}

// TaskSet returns the kernel's task registry.
func (k *Kernel) TaskSet() *TaskSet { return k.taskSet }

// ASIDPool returns the kernel's ASID pool, e.g. so a caller can build an
// address space directly for a task that will share it with clones.
func (k *Kernel) ASIDPool() *mm.ASIDPool { return k.asidPool }

// Tasks returns the number of live tasks.
func (k *Kernel) Tasks() int { return k.taskSet.Len() }
