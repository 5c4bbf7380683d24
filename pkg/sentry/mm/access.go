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

// Package mm implements the address-space manager: regions, the closed
// backend set, the page-fault handler, and ASID allocation/recycling (spec
// §4.4). Regions are kept in a Base-sorted slice so lookup is O(log n), as
// required by spec §3.
package mm

// AccessType is the set of access flags a Region grants, and the access
// kind requested at a page fault.
type AccessType struct {
	Read      bool
	Write     bool
	Execute   bool
	Cacheable bool
}

// Allows reports whether at (the request) is permitted by g (the grant).
func (g AccessType) Allows(at AccessType) bool {
	if at.Read && !g.Read {
		return false
	}
	if at.Write && !g.Write {
		return false
	}
	if at.Execute && !g.Execute {
		return false
	}
	return true
}

// Frame is a simulated physical page frame number.
type Frame uint64

// PageSize is the simulated hardware page size.
const PageSize = 4096

// PageAlignDown rounds addr down to the nearest page boundary.
func PageAlignDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// PageAlignUp rounds addr up to the nearest page boundary.
func PageAlignUp(addr uint64) uint64 {
	return PageAlignDown(addr+PageSize-1)
}
