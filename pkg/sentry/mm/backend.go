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

	"github.com/vesperos/kernel/pkg/sentry/errs"
)

// BackendKind enumerates the closed set of region backends named in spec
// §4.4. Adding a backend is a code change, not configuration.
type BackendKind int

const (
	// AnonymousKind backs a region with zero-filled, demand-allocated
	// frames.
	AnonymousKind BackendKind = iota
	// ELFImageKind backs a region with copy-on-read (clean) or
	// copy-on-write (dirty) pages sourced from an ELF image.
	ELFImageKind
	// RawPhysicalKind backs a region with a fixed, pre-existing physical
	// frame range (used by device drivers mapping MMIO).
	RawPhysicalKind
	// SharedKind backs a region by delegating to another backend shared
	// by multiple address spaces.
	SharedKind
)

// Backend implements the three hooks every region backend must provide, per
// spec §4.4.
type Backend interface {
	// Kind reports which of the four closed backend kinds this is.
	Kind() BackendKind
	// PageFault provides a frame to back offset (page-aligned, relative
	// to the region's base) for the given access, allocating or looking
	// one up as appropriate.
	PageFault(region *Region, offset uint64, at AccessType) (Frame, error)
	// FrameFree releases the frame previously installed at offset, e.g.
	// when the region is destroyed or resized down.
	FrameFree(region *Region, offset uint64, frame Frame)
	// Share returns a Backend for a new region that shares this
	// backend's frames (used when cloning an address space).
	Share(region *Region) Backend
}

// frameAllocator hands out simulated physical frames. A single global
// allocator is shared by every AnonymousBackend and ELFBackend instance,
// the way a real kernel has one physical frame allocator behind every
// region backend.
type frameAllocator struct {
	mu   sync.Mutex
	next Frame
	free []Frame
}

var globalFrames = &frameAllocator{next: 1}

func (a *frameAllocator) alloc() Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		f := a.free[n-1]
		a.free = a.free[:n-1]
		return f
	}
	f := a.next
	a.next++
	return f
}

func (a *frameAllocator) free_(f Frame) {
	a.mu.Lock()
	a.free = append(a.free, f)
	a.mu.Unlock()
}

// AnonymousBackend backs a region with demand-zero frames: each page is
// allocated on first fault and never shared.
type AnonymousBackend struct {
	mu     sync.Mutex
	frames map[uint64]Frame
}

// NewAnonymousBackend returns a fresh zero-fill backend.
func NewAnonymousBackend() *AnonymousBackend {
	return &AnonymousBackend{frames: make(map[uint64]Frame)}
}

// Kind implements Backend.
func (b *AnonymousBackend) Kind() BackendKind { return AnonymousKind }

// PageFault implements Backend.
func (b *AnonymousBackend) PageFault(region *Region, offset uint64, at AccessType) (Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.frames[offset]; ok {
		return f, nil
	}
	f := globalFrames.alloc()
	b.frames[offset] = f
	return f, nil
}

// FrameFree implements Backend.
func (b *AnonymousBackend) FrameFree(region *Region, offset uint64, frame Frame) {
	b.mu.Lock()
	delete(b.frames, offset)
	b.mu.Unlock()
	globalFrames.free_(frame)
}

// Share implements Backend: anonymous regions are shared by reference,
// exposing the same frame map to the new region.
func (b *AnonymousBackend) Share(region *Region) Backend {
	return b
}

// ELFImage is the minimal source an ELFBackend copies pages from: a
// byte source plus which offsets are writable (data/bss vs rodata/text).
type ELFImage struct {
	Data     []byte
	Writable bool
}

// ELFBackend backs a region with pages copied from an ELF image: clean
// (read-only, shared) until the first write, at which point a private
// copy-on-write frame is allocated.
type ELFBackend struct {
	image *ELFImage

	mu     sync.Mutex
	frames map[uint64]Frame
	dirty  map[uint64]bool
}

// NewELFBackend returns a backend sourcing pages from image.
func NewELFBackend(image *ELFImage) *ELFBackend {
	return &ELFBackend{image: image, frames: make(map[uint64]Frame), dirty: make(map[uint64]bool)}
}

// Kind implements Backend.
func (b *ELFBackend) Kind() BackendKind { return ELFImageKind }

// PageFault implements Backend: a write fault on a clean page triggers
// copy-on-write.
func (b *ELFBackend) PageFault(region *Region, offset uint64, at AccessType) (Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.frames[offset]
	if !ok {
		f = globalFrames.alloc()
		b.frames[offset] = f
		return f, nil
	}
	if at.Write && !b.dirty[offset] {
		if !b.image.Writable && !region.Access.Write {
			return 0, errs.New(errs.Fault)
		}
		cow := globalFrames.alloc()
		b.frames[offset] = cow
		b.dirty[offset] = true
		return cow, nil
	}
	return f, nil
}

// FrameFree implements Backend.
func (b *ELFBackend) FrameFree(region *Region, offset uint64, frame Frame) {
	b.mu.Lock()
	delete(b.frames, offset)
	delete(b.dirty, offset)
	b.mu.Unlock()
	globalFrames.free_(frame)
}

// Share implements Backend.
func (b *ELFBackend) Share(region *Region) Backend {
	return b
}

// RawPhysicalBackend backs a region with a fixed physical frame range that
// already exists (e.g. device MMIO); it never allocates or frees frames of
// its own.
type RawPhysicalBackend struct {
	base Frame
}

// NewRawPhysicalBackend returns a backend mapping the region 1:1 onto the
// physical frame range starting at base.
func NewRawPhysicalBackend(base Frame) *RawPhysicalBackend {
	return &RawPhysicalBackend{base: base}
}

// Kind implements Backend.
func (b *RawPhysicalBackend) Kind() BackendKind { return RawPhysicalKind }

// PageFault implements Backend.
func (b *RawPhysicalBackend) PageFault(region *Region, offset uint64, at AccessType) (Frame, error) {
	return b.base + Frame(offset/PageSize), nil
}

// FrameFree implements Backend: raw-physical frames are not owned by the
// region, so there is nothing to release.
func (b *RawPhysicalBackend) FrameFree(region *Region, offset uint64, frame Frame) {}

// Share implements Backend.
func (b *RawPhysicalBackend) Share(region *Region) Backend {
	return b
}

// SharedBackend wraps another backend so multiple regions (possibly in
// different address spaces) observe the same frames.
type SharedBackend struct {
	inner Backend
	mu    sync.Mutex
	refs  int
}

// NewSharedBackend wraps inner for sharing.
func NewSharedBackend(inner Backend) *SharedBackend {
	return &SharedBackend{inner: inner, refs: 1}
}

// Kind implements Backend.
func (b *SharedBackend) Kind() BackendKind { return SharedKind }

// PageFault implements Backend.
func (b *SharedBackend) PageFault(region *Region, offset uint64, at AccessType) (Frame, error) {
	return b.inner.PageFault(region, offset, at)
}

// FrameFree implements Backend.
func (b *SharedBackend) FrameFree(region *Region, offset uint64, frame Frame) {
	b.inner.FrameFree(region, offset, frame)
}

// Share implements Backend, incrementing the reference count.
func (b *SharedBackend) Share(region *Region) Backend {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
	return b
}
