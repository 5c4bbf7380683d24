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
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vesperos/kernel/pkg/sentry/errs"
)

// ASID is an address-space identifier, a small integer tag that lets a
// simulated TLB cache translations from more than one address space at
// once.
type ASID uint32

// shootdownThreshold is the pool size below which recycling an ASID waits
// for a synchronous cluster-wide shootdown (cheap enough with few CPUs to
// invalidate); at or above it recycling is lazy: a released ASID goes onto
// a pending list and is shot down only when it is reclaimed, the way a
// many-core kernel avoids an all-CPU IPI storm on every address-space
// teardown.
const shootdownThreshold = 256

// ShootdownTarget receives a request to invalidate any cached translation
// for id before it is reused by a new address space. A real kernel would
// implement this by sending an inter-processor interrupt to every CPU that
// might hold id in its TLB.
type ShootdownTarget interface {
	Shootdown(id ASID)
}

// ASIDPool hands out and recycles ASIDs from a fixed-size range, per spec
// §4.4's second paragraph: creation blocks when the pool is exhausted.
type ASIDPool struct {
	sem *semaphore.Weighted
	max int64

	mu         sync.Mutex
	free       []ASID
	next       ASID
	checkedOut int
	pending    list.List // ASIDs released but not yet safe to reuse (lazy path)
	targets    []ShootdownTarget
}

// NewASIDPool creates a pool of size ASIDs (0..size-1).
func NewASIDPool(size int, targets ...ShootdownTarget) *ASIDPool {
	return &ASIDPool{
		sem:     semaphore.NewWeighted(int64(size)),
		max:     int64(size),
		targets: targets,
	}
}

// Acquire blocks until an ASID is available and returns it, implementing
// the spec's "as_create blocks when the ASID pool is exhausted".
func (p *ASIDPool) Acquire() (ASID, error) {
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		return 0, errs.Wrap(errs.Invalid, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkedOut++
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id, nil
	}
	if int64(p.next) >= p.max {
		// Every ID in range has been handed out once; the semaphore
		// guarantees a released one is pending, so reclaim it here.
		if e := p.pending.Front(); e != nil {
			id := e.Value.(ASID)
			p.pending.Remove(e)
			for _, t := range p.targets {
				t.Shootdown(id)
			}
			return id, nil
		}
	}
	id := p.next
	p.next++
	return id, nil
}

// Release returns id to the pool, recycling it according to pool size: a
// small pool shoots down every target synchronously before the ASID becomes
// reusable; a large pool marks it pending and returns immediately, the
// shootdown having been judged more expensive than the rare collision it
// prevents. A pending ASID is reused only after it has been shot down,
// either by ReclaimPending or by Acquire once every fresh ID is taken.
func (p *ASIDPool) Release(id ASID) {
	if p.max < shootdownThreshold {
		for _, t := range p.targets {
			t.Shootdown(id)
		}
		p.mu.Lock()
		p.free = append(p.free, id)
		p.checkedOut--
		p.mu.Unlock()
		p.sem.Release(1)
		return
	}

	p.mu.Lock()
	p.pending.PushBack(id)
	p.checkedOut--
	p.mu.Unlock()
	p.sem.Release(1)
}

// ReclaimPending performs deferred shootdowns for every ASID released under
// the lazy policy, making them available for reuse. A kernel would call
// this from a low-priority background task once shootdown IPIs are cheap to
// batch (e.g. at the next scheduler idle point).
func (p *ASIDPool) ReclaimPending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for e := p.pending.Front(); e != nil; {
		next := e.Next()
		id := e.Value.(ASID)
		for _, t := range p.targets {
			t.Shootdown(id)
		}
		p.free = append(p.free, id)
		p.pending.Remove(e)
		n++
		e = next
	}
	return n
}

// Len reports how many ASIDs are currently checked out.
func (p *ASIDPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkedOut
}
