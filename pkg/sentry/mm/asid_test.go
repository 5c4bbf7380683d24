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

package mm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTarget struct {
	mu  sync.Mutex
	got []ASID
}

func (r *recordingTarget) Shootdown(id ASID) {
	r.mu.Lock()
	r.got = append(r.got, id)
	r.mu.Unlock()
}

func TestASIDPoolAcquireRecyclesSmallPoolSynchronously(t *testing.T) {
	target := &recordingTarget{}
	pool := NewASIDPool(4, target)

	id, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len())

	pool.Release(id)
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, []ASID{id}, target.got, "small pool shoots down synchronously on release")

	id2, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, id, id2, "released ASID should be reused")
}

func TestASIDPoolAcquireBlocksWhenExhausted(t *testing.T) {
	pool := NewASIDPool(1)
	id, err := pool.Acquire()
	require.NoError(t, err)

	acquired := make(chan ASID, 1)
	go func() {
		got, err := pool.Acquire()
		require.NoError(t, err)
		acquired <- got
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire should have blocked while the pool was exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	pool.Release(id)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestASIDPoolLazyRecycleDefersShootdown(t *testing.T) {
	target := &recordingTarget{}
	pool := NewASIDPool(shootdownThreshold, target)

	id, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(id)

	assert.Empty(t, target.got, "large pool should not shoot down synchronously")
	assert.Equal(t, 1, pool.ReclaimPending())
	assert.Equal(t, []ASID{id}, target.got)
}
