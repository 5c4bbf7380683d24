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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperos/kernel/pkg/sentry/errs"
)

func newTestAS(t *testing.T) *AddressSpace {
	t.Helper()
	pool := NewASIDPool(64)
	as, err := NewAddressSpace(pool)
	require.NoError(t, err)
	return as
}

func TestAreaCreateRejectsOverlap(t *testing.T) {
	as := newTestAS(t)
	rw := AccessType{Read: true, Write: true}
	_, err := as.AreaCreate(0, 2*PageSize, rw, NewAnonymousBackend())
	require.NoError(t, err)

	_, err = as.AreaCreate(PageSize, PageSize, rw, NewAnonymousBackend())
	assert.True(t, errs.AsKind(err) == errs.AlreadyExists)
}

func TestPageFaultOnUnmappedAddrFaults(t *testing.T) {
	as := newTestAS(t)
	_, err := as.PageFault(0x1000, AccessType{Read: true})
	assert.Equal(t, errs.Fault, errs.AsKind(err))
}

func TestPageFaultAllocatesAndCaches(t *testing.T) {
	as := newTestAS(t)
	rw := AccessType{Read: true, Write: true}
	_, err := as.AreaCreate(0, PageSize, rw, NewAnonymousBackend())
	require.NoError(t, err)

	f1, err := as.PageFault(10, AccessType{Read: true})
	require.NoError(t, err)
	f2, err := as.PageFault(20, AccessType{Read: true})
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "same page should resolve to the same frame")
}

func TestPageFaultDeniesAccessBeyondGrant(t *testing.T) {
	as := newTestAS(t)
	ro := AccessType{Read: true}
	_, err := as.AreaCreate(0, PageSize, ro, NewAnonymousBackend())
	require.NoError(t, err)

	_, err = as.PageFault(0, AccessType{Write: true})
	assert.Equal(t, errs.Fault, errs.AsKind(err))
}

func TestELFBackendCopyOnWrite(t *testing.T) {
	as := newTestAS(t)
	rw := AccessType{Read: true, Write: true}
	img := &ELFImage{Data: make([]byte, PageSize), Writable: false}
	_, err := as.AreaCreate(0, PageSize, rw, NewELFBackend(img))
	require.NoError(t, err)

	clean, err := as.PageFault(0, AccessType{Read: true})
	require.NoError(t, err)

	dirty, err := as.PageFault(0, AccessType{Write: true})
	require.NoError(t, err)
	assert.NotEqual(t, clean, dirty, "write fault should trigger a COW copy")

	// Subsequent writes to the now-dirty page reuse the same frame.
	dirty2, err := as.PageFault(0, AccessType{Write: true})
	require.NoError(t, err)
	assert.Equal(t, dirty, dirty2)
}

func TestAreaDestroyFreesFrames(t *testing.T) {
	as := newTestAS(t)
	rw := AccessType{Read: true, Write: true}
	region, err := as.AreaCreate(0, PageSize, rw, NewAnonymousBackend())
	require.NoError(t, err)
	_, err = as.PageFault(0, AccessType{Read: true})
	require.NoError(t, err)
	assert.Equal(t, 1, region.pageCount())

	require.NoError(t, as.AreaDestroy(0))
	_, err = as.PageFault(0, AccessType{Read: true})
	assert.Equal(t, errs.Fault, errs.AsKind(err))
}

func TestAreaResizeShrinkFreesTailFrames(t *testing.T) {
	as := newTestAS(t)
	rw := AccessType{Read: true, Write: true}
	_, err := as.AreaCreate(0, 4*PageSize, rw, NewAnonymousBackend())
	require.NoError(t, err)
	_, err = as.PageFault(3*PageSize, AccessType{Read: true})
	require.NoError(t, err)

	require.NoError(t, as.AreaResize(0, PageSize))
	_, err = as.PageFault(3*PageSize, AccessType{Read: true})
	assert.Equal(t, errs.Fault, errs.AsKind(err))
}

func TestAreaResizeGrowRejectsOverlapWithNext(t *testing.T) {
	as := newTestAS(t)
	rw := AccessType{Read: true, Write: true}
	_, err := as.AreaCreate(0, PageSize, rw, NewAnonymousBackend())
	require.NoError(t, err)
	_, err = as.AreaCreate(2*PageSize, PageSize, rw, NewAnonymousBackend())
	require.NoError(t, err)

	err = as.AreaResize(0, 3*PageSize)
	assert.Equal(t, errs.Invalid, errs.AsKind(err))
}
