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
	"github.com/vesperos/kernel/pkg/sentry/ipc"
	"github.com/vesperos/kernel/pkg/sentry/kernel/sched"
	"github.com/vesperos/kernel/pkg/sentry/kernel/waitqueue"
	"github.com/vesperos/kernel/pkg/sentry/mm"
)

// TaskConfig defines a new task's initial state, mirroring (much reduced)
// gVisor's own TaskConfig: the pieces every task needs at construction
// rather than lazily.
type TaskConfig struct {
	// Parent is the new task's parent, or nil for the first task.
	Parent *Task

	// Entry is the task's body.
	Entry EntryFunc

	// NewAddressSpace, if true, allocates a fresh address space, a new
	// answerbox, and a new phone table (task_create — a distinct task);
	// otherwise (thread_create within Parent's existing task) the new
	// Task shares Parent's address space, answerbox, and phone table
	// outright, becoming a second thread of the same task.
	NewAddressSpace bool

	// InitialBand is the run queue priority band the task starts in.
	InitialBand int
}

// NewTask creates a new thread per cfg, allocating a thread ID and (per
// cfg.NewAddressSpace) either a fresh task — its own address space,
// answerbox, and phone table — or membership in Parent's existing task,
// but does not enqueue it on any VCPU; the caller must do so (typically
// via Kernel.Spawn) to start it running.
func (k *Kernel) NewTask(cfg TaskConfig) (*Task, error) {
	tid, err := k.taskSet.assignTID()
	if err != nil {
		return nil, err
	}

	var (
		as    *mm.AddressSpace
		box   *ipc.Answerbox
		group *taskGroup
	)
	if cfg.NewAddressSpace || cfg.Parent == nil {
		as, err = mm.NewAddressSpace(k.asidPool)
		if err != nil {
			return nil, err
		}
		box = ipc.NewAnswerbox()
		group = newTaskGroup()
	} else {
		as = cfg.Parent.AS
		box = cfg.Parent.Box
		group = cfg.Parent.group
	}

	group.mu.Lock()
	group.threads++
	group.mu.Unlock()

	t := &Task{
		id:       tid,
		k:        k,
		parent:   cfg.Parent,
		children: make(map[ThreadID]*Task),
		band:     cfg.InitialBand,
		entry:    cfg.Entry,
		AS:       as,
		Box:      box,
		group:    group,
		Waiter:   waitqueue.NewWaiter(),
		Sleep:    waitqueue.NewQueue(),
		exitWait: waitqueue.NewQueue(),
	}
	k.taskSet.insert(t)
	if cfg.Parent != nil {
		cfg.Parent.addChild(t)
	}
	return t, nil
}

// Spawn creates a task per cfg and enqueues it on the given VCPU with
// sched.ReasonNew, starting it the next time that VCPU's loop runs.
func (k *Kernel) Spawn(cpu int, cfg TaskConfig) (*Task, error) {
	t, err := k.NewTask(cfg)
	if err != nil {
		return nil, err
	}
	k.Sched.Enqueue(cpu, t, sched.ReasonNew)
	return t, nil
}
