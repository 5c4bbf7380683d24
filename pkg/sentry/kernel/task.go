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

// Package kernel ties the scheduler, address-space manager, and IPC core
// together into task lifecycle, the way gVisor's own pkg/sentry/kernel ties
// Task, ThreadGroup, and TaskSet to sched, mm, and the rest of the sentry.
// A Task here is one schedulable thread (one goroutine, one run-queue
// entry); a set of Tasks created via thread_create within the same parent
// share a single address space, answerbox, and phone table through a
// taskGroup, mirroring HelenOS's task owning a thread set.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/vesperos/kernel/pkg/log"
	"github.com/vesperos/kernel/pkg/sentry/errs"
	"github.com/vesperos/kernel/pkg/sentry/ipc"
	"github.com/vesperos/kernel/pkg/sentry/kernel/sched"
	"github.com/vesperos/kernel/pkg/sentry/kernel/waitqueue"
	"github.com/vesperos/kernel/pkg/sentry/mm"
)

// ThreadID uniquely identifies a Task within a TaskSet.
type ThreadID int32

// EntryFunc is a task's body. It receives a context scoped to the task's
// current scheduling quantum (cancelled when the quantum expires) and
// returns how the scheduler should treat the task next.
type EntryFunc func(ctx context.Context, t *Task) sched.RunResult

// taskGroup is the state a task's thread set shares: its phone table and
// a count of live threads, consulted on exit to decide whether the task
// itself (its address space and answerbox) should be torn down.
type taskGroup struct {
	mu      sync.Mutex
	phones  map[int]*ipc.Phone
	nextFD  int
	threads int
}

func newTaskGroup() *taskGroup {
	return &taskGroup{phones: make(map[int]*ipc.Phone)}
}

// Task is the kernel's unit of scheduling: one goroutine, one run-queue
// entry, implementing sched.Runnable so the scheduler can run it directly.
// Every Task belongs to exactly one task (thread group); Tasks created via
// thread_create within the same parent share that task's AS, Box, and
// group.
type Task struct {
	id ThreadID
	k  *Kernel

	mu       sync.Mutex
	parent   *Task
	children map[ThreadID]*Task
	band     int
	exited   bool
	exitErr  error

	entry EntryFunc

	// AS is this thread's task's address space. A Task created via
	// TaskConfig.NewAddressSpace (task_create, or the first task) gets a
	// fresh one; a Task created via thread_create (NewAddressSpace:
	// false, with a Parent) shares the identical *mm.AddressSpace
	// pointer its parent holds.
	AS *mm.AddressSpace

	// Box is this thread's task's IPC receive endpoint, shared the same
	// way AS is.
	Box *ipc.Answerbox

	// group is the state shared by every thread of the same task: the
	// phone table and a thread count used to decide when the task
	// itself (AS and Box) is torn down.
	group *taskGroup

	// Waiter is this task's reusable wait-queue link slot; per
	// waitqueue's contract, a task sleeps on at most one queue at a
	// time using this slot.
	Waiter *waitqueue.Waiter

	// Sleep is the queue thread_sleep/thread_wake block and wake on,
	// the generic blocking primitive that sits below futexes and every
	// other higher-level wait in a real kernel.
	Sleep *waitqueue.Queue

	// exitWait is woken when Exit runs, letting thread_join block on a
	// sibling task's completion.
	exitWait *waitqueue.Queue
}

// ID returns the task's thread ID.
func (t *Task) ID() ThreadID { return t.id }

// Kernel returns the owning Kernel.
func (t *Task) Kernel() *Kernel { return t.k }

// Run implements sched.Runnable.
func (t *Task) Run(ctx context.Context) sched.RunResult {
	if t.entry == nil {
		return sched.Exited
	}
	return t.entry(ctx, t)
}

// Band implements sched.Runnable.
func (t *Task) Band() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.band
}

// SetBand implements sched.Runnable.
func (t *Task) SetBand(b int) {
	t.mu.Lock()
	t.band = b
	t.mu.Unlock()
}

// AddPhone installs phone in the owning task's phone table (shared by
// every thread in the task) and returns the descriptor it was installed
// under, the way a task's phone table maps small integers to *ipc.Phone
// per spec §3.
func (t *Task) AddPhone(phone *ipc.Phone) int {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	fd := t.group.nextFD
	t.group.nextFD++
	t.group.phones[fd] = phone
	return fd
}

// Phone returns the phone installed at fd, or an error if there is none.
func (t *Task) Phone(fd int) (*ipc.Phone, error) {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	p, ok := t.group.phones[fd]
	if !ok {
		return nil, errs.New(errs.NoEnt)
	}
	return p, nil
}

// hangupPhones closes every phone in the task's (shared) phone table, as
// part of the last thread in the task exiting.
func (t *Task) hangupPhones() {
	t.group.mu.Lock()
	phones := make([]*ipc.Phone, 0, len(t.group.phones))
	for _, p := range t.group.phones {
		phones = append(phones, p)
	}
	t.group.phones = make(map[int]*ipc.Phone)
	t.group.mu.Unlock()
	for _, p := range phones {
		p.Hangup()
	}
}

// addChild records child as one of t's children.
func (t *Task) addChild(child *Task) {
	t.mu.Lock()
	t.children[child.id] = child
	t.mu.Unlock()
}

// Exit tears down this thread and removes it from its TaskSet; Exit is
// idempotent. The task's shared state — its phone table, its answerbox
// (destroyed, auto-answering anything in flight with Hangup), and its
// address space (released, freeing every frame and returning its ASID) —
// is only torn down once the last thread in the task (the last Task
// sharing this taskGroup) has exited, per spec §4.6's "task destroyed only
// when thread count reaches zero."
func (t *Task) Exit(err error) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.exitErr = err
	t.mu.Unlock()

	t.group.mu.Lock()
	t.group.threads--
	lastThread := t.group.threads == 0
	t.group.mu.Unlock()

	if lastThread {
		t.hangupPhones()
		t.Box.Destroy()
		if t.AS != nil {
			t.AS.Destroy()
		}
	}
	t.k.taskSet.remove(t.id)
	t.exitWait.WakeAll()
	log.Infof("thread %d exited: %v", t.id, err)
}

// Join blocks until t has exited or timeout elapses.
func (t *Task) Join(timeout time.Duration) error {
	for {
		if exited, _ := t.Exited(); exited {
			return nil
		}
		w := waitqueue.NewWaiter()
		switch t.exitWait.Sleep(w, timeout, waitqueue.Interruptible) {
		case waitqueue.Timeout:
			return errs.New(errs.Timeout)
		case waitqueue.Interrupted:
			return errs.New(errs.Interrupted)
		}
	}
}

// Exited reports whether Exit has run.
func (t *Task) Exited() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited, t.exitErr
}
