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

package sched

import "math/bits"

// CPUSet is a bitmask of allowed virtual CPU indices, mirroring the
// AllowedCPUMask field threaded through task creation in the teacher's own
// kernel.TaskConfig.
type CPUSet uint64

// FullCPUSet permits every virtual CPU this package supports.
const FullCPUSet CPUSet = ^CPUSet(0)

// NewCPUSet returns a CPUSet allowing exactly the given CPU indices.
func NewCPUSet(cpus ...int) CPUSet {
	var s CPUSet
	for _, c := range cpus {
		s |= 1 << uint(c)
	}
	return s
}

// Allows reports whether cpu is permitted by s.
func (s CPUSet) Allows(cpu int) bool {
	if cpu < 0 || cpu >= 64 {
		return false
	}
	return s&(1<<uint(cpu)) != 0
}

// Copy returns s (CPUSet is a value type; provided for call-site parity with
// the teacher's cfg.AllowedCPUMask.Copy()).
func (s CPUSet) Copy() CPUSet {
	return s
}

// Count returns the number of permitted CPUs.
func (s CPUSet) Count() int {
	return bits.OnesCount64(uint64(s))
}

// AssignCPU picks a home CPU for a newly-created thread from among those
// permitted by mask and the scheduler's numCPUs, distributing across
// candidates by hashSeed (typically a thread or task identifier) the way
// the teacher's assignCPU spreads new tasks across allowed CPUs.
func AssignCPU(mask CPUSet, numCPUs int, hashSeed int) int {
	if hashSeed < 0 {
		hashSeed = -hashSeed
	}
	candidates := make([]int, 0, numCPUs)
	for c := 0; c < numCPUs; c++ {
		if mask.Allows(c) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	return candidates[hashSeed%len(candidates)]
}
