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

// Package metric exposes the kernel's runtime counters as Prometheus
// metrics, the way a debug/observability band of a syscall table might be
// backed in a production sentry.
package metric

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the kernel's counters and gauges. kernel.NewKernel updates
// PreemptionsTotal, StealsTotal, and IdlePolls from scheduler hooks; nothing
// in the tree updates MissedWakeups, NotificationsTotal, or TasksLive.
// It is deliberately a flat struct of already-registered collectors rather
// than a lookup-by-name map, so call sites get compile-time checked field
// access.
type Registry struct {
	PreemptionsTotal   prometheus.Counter
	StealsTotal        prometheus.Counter
	IdlePolls          prometheus.Counter
	MissedWakeups      prometheus.Counter
	NotificationsTotal prometheus.Counter
	TasksLive          prometheus.Gauge
}

// NewRegistry constructs a Registry and registers every collector with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PreemptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_scheduler_preemptions_total",
			Help: "Number of times a runnable was preempted at quantum expiry.",
		}),
		StealsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_scheduler_steals_total",
			Help: "Number of runnables moved between VCPU run queues by load balancing.",
		}),
		IdlePolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_scheduler_idle_polls_total",
			Help: "Number of times a VCPU found no runnable work and no peer to steal from.",
		}),
		MissedWakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_waitqueue_missed_wakeups_total",
			Help: "Number of wake_one/wake_all calls that found no waiter.",
		}),
		NotificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_ipc_notifications_total",
			Help: "Number of IRQ and kernel notifications delivered to answerboxes.",
		}),
		TasksLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_tasks_live",
			Help: "Number of tasks currently registered in the TaskSet.",
		}),
	}
	reg.MustRegister(r.PreemptionsTotal, r.StealsTotal, r.IdlePolls, r.MissedWakeups, r.NotificationsTotal, r.TasksLive)
	return r
}
