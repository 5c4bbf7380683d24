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
	"sync"

	"github.com/vesperos/kernel/pkg/sentry/errs"
)

// TasksLimit bounds the number of live tasks a TaskSet will track, mirroring
// gVisor's own TID space bound (there, a full 32-bit pid_t range; here, a
// much smaller number suffices for a simulation).
const TasksLimit = 1 << 20

// TaskSet is the registry of every live Task, and the authority that
// assigns thread IDs, the way gVisor's TaskSet.assignTIDsLocked hands out
// TIDs across PID namespaces (simplified here to a single flat namespace).
type TaskSet struct {
	mu      sync.Mutex
	tasks   map[ThreadID]*Task
	nextTID ThreadID
}

func newTaskSet() *TaskSet {
	return &TaskSet{tasks: make(map[ThreadID]*Task), nextTID: 1}
}

// assignTID allocates the next free ThreadID.
func (ts *TaskSet) assignTID() (ThreadID, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i := 0; i < TasksLimit; i++ {
		tid := ts.nextTID
		ts.nextTID++
		if ts.nextTID > TasksLimit {
			ts.nextTID = 1
		}
		if _, taken := ts.tasks[tid]; !taken {
			return tid, nil
		}
	}
	return 0, errs.New(errs.NoMem)
}

func (ts *TaskSet) insert(t *Task) {
	ts.mu.Lock()
	ts.tasks[t.id] = t
	ts.mu.Unlock()
}

func (ts *TaskSet) remove(id ThreadID) {
	ts.mu.Lock()
	delete(ts.tasks, id)
	ts.mu.Unlock()
}

// Lookup returns the task registered under id, if any.
func (ts *TaskSet) Lookup(id ThreadID) (*Task, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.tasks[id]
	return t, ok
}

// Len returns the number of live tasks.
func (ts *TaskSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tasks)
}
