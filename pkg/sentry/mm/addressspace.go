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
	"sort"
	"sync"

	"github.com/vesperos/kernel/pkg/sentry/errs"
)

// AddressSpace is one address space: a sorted, non-overlapping set of
// Regions plus the ASID assigned to it while active.
type AddressSpace struct {
	mu      sync.RWMutex
	regions []*Region // kept sorted by Base for O(log n) lookup, per spec §3

	pool *ASIDPool
	asid ASID
	held bool
}

// NewAddressSpace creates an empty address space whose ASID is drawn from
// pool. Per spec, creation blocks until an ASID is available.
func NewAddressSpace(pool *ASIDPool) (*AddressSpace, error) {
	id, err := pool.Acquire()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{pool: pool, asid: id, held: true}, nil
}

// ASID returns the address space's currently assigned ASID.
func (as *AddressSpace) ASID() ASID {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.asid
}

// Destroy releases every frame owned by this address space's regions and
// returns its ASID to the pool (as_destroy).
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		as.freeRegionFrames(r)
	}
	as.regions = nil
	if as.held {
		as.pool.Release(as.asid)
		as.held = false
	}
}

func (as *AddressSpace) freeRegionFrames(r *Region) {
	for offset, frame := range r.mappedPages() {
		r.Backend.FrameFree(r, offset, frame)
	}
}

// indexForBase returns the index of the first region whose Base is >= base.
func (as *AddressSpace) indexForBase(base uint64) int {
	return sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].Base >= base
	})
}

// regionAt returns the region containing addr, if any, via binary search
// over the preceding region (the only one that can contain addr given the
// sorted, non-overlapping invariant).
func (as *AddressSpace) regionAt(addr uint64) *Region {
	i := as.indexForBase(addr)
	if i < len(as.regions) && as.regions[i].Base == addr {
		return as.regions[i]
	}
	if i == 0 {
		return nil
	}
	prev := as.regions[i-1]
	if prev.Contains(addr) {
		return prev
	}
	return nil
}

// AreaCreate implements as_area_create: it reserves [base, base+size) for a
// new region backed by backend, failing if it overlaps any existing region.
func (as *AddressSpace) AreaCreate(base, size uint64, access AccessType, backend Backend) (*Region, error) {
	base = PageAlignDown(base)
	size = PageAlignUp(size)
	if size == 0 {
		return nil, errs.New(errs.Invalid)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	i := as.indexForBase(base)
	if i < len(as.regions) && as.regions[i].Overlaps(base, size) {
		return nil, errs.New(errs.AlreadyExists)
	}
	if i > 0 && as.regions[i-1].Overlaps(base, size) {
		return nil, errs.New(errs.AlreadyExists)
	}

	r := newRegion(base, size, access, backend)
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
	return r, nil
}

// AreaDestroy implements as_area_destroy: it removes the region based at
// base, freeing every frame it owns.
func (as *AddressSpace) AreaDestroy(base uint64) error {
	base = PageAlignDown(base)
	as.mu.Lock()
	defer as.mu.Unlock()

	i := as.indexForBase(base)
	if i >= len(as.regions) || as.regions[i].Base != base {
		return errs.New(errs.NoEnt)
	}
	as.freeRegionFrames(as.regions[i])
	as.regions = append(as.regions[:i], as.regions[i+1:]...)
	return nil
}

// AreaResize implements as_area_resize: it grows or shrinks the region based
// at base to newSize, freeing frames beyond the new bound on shrink and
// failing on grow if the new extent would overlap the next region.
func (as *AddressSpace) AreaResize(base, newSize uint64) error {
	base = PageAlignDown(base)
	newSize = PageAlignUp(newSize)
	if newSize == 0 {
		return errs.New(errs.Invalid)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	i := as.indexForBase(base)
	if i >= len(as.regions) || as.regions[i].Base != base {
		return errs.New(errs.NoEnt)
	}
	r := as.regions[i]

	if newSize > r.Size {
		if i+1 < len(as.regions) && as.regions[i+1].Base < base+newSize {
			return errs.New(errs.Invalid)
		}
		r.Size = newSize
		return nil
	}

	for offset, frame := range r.mappedPages() {
		if offset >= newSize {
			r.Backend.FrameFree(r, offset, frame)
			r.unmapPage(offset)
		}
	}
	r.Size = newSize
	return nil
}

// PageFault implements as_page_fault: it locates the region containing addr
// and asks its backend for a frame, failing with errs.Fault if addr is
// unmapped or the access exceeds the region's grant.
func (as *AddressSpace) PageFault(addr uint64, at AccessType) (Frame, error) {
	as.mu.RLock()
	r := as.regionAt(addr)
	as.mu.RUnlock()
	if r == nil {
		return 0, errs.New(errs.Fault)
	}
	if !r.Access.Allows(at) {
		return 0, errs.New(errs.Fault)
	}

	offset := PageAlignDown(addr - r.Base)
	// A write fault always reaches the backend so a copy-on-write backend
	// can replace a clean page with a private copy.
	if f, ok := r.lookupPage(offset); ok && !at.Write {
		return f, nil
	}
	f, err := r.Backend.PageFault(r, offset, at)
	if err != nil {
		return 0, err
	}
	r.installPage(offset, f)
	return f, nil
}

// Clone creates a new address space sharing every region's backend (via
// Backend.Share) with as, the way a cloned task shares its parent's mapped
// image and shared-memory regions.
func (as *AddressSpace) Clone(pool *ASIDPool) (*AddressSpace, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	child, err := NewAddressSpace(pool)
	if err != nil {
		return nil, err
	}
	for _, r := range as.regions {
		shared := r.Backend.Share(r)
		nr := newRegion(r.Base, r.Size, r.Access, shared)
		child.regions = append(child.regions, nr)
	}
	return child, nil
}
