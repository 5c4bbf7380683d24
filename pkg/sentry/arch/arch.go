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

// Package arch holds the portable shape of a trapped machine state. Real
// per-architecture trap entry stubs are out of scope (spec §1 scopes this
// module to the concurrency/memory core, not a bootable kernel); what's
// provided here is the normalized record every trap vector — syscall, page
// fault, IRQ, timer, inter-processor — would populate before handing off to
// the dispatch tables in pkg/sentry/syscall, so that glue compiles and is
// testable without a real arch backend.
package arch

// Vector identifies which kind of trap produced an InterruptState.
type Vector int

const (
	// VectorSyscall is a deliberate syscall trap.
	VectorSyscall Vector = iota
	// VectorPageFault is a hardware page fault.
	VectorPageFault
	// VectorIRQ is a device interrupt.
	VectorIRQ
	// VectorTimer is a scheduler timer tick.
	VectorTimer
	// VectorIPI is an inter-processor interrupt (e.g. a TLB shootdown).
	VectorIPI
)

// InterruptState is the normalized record a trap entry stub produces: the
// general-purpose registers, program counter, and mode flags a dispatcher
// needs regardless of which vector fired.
type InterruptState struct {
	Vector Vector

	// Regs holds the six argument registers a syscall's Table entry
	// receives, mirroring spec §6's "up to six machine-word arguments".
	Regs [6]uint64

	// SyscallNo selects a syscall Table entry; meaningful only when
	// Vector == VectorSyscall.
	SyscallNo uint32

	// FaultAddr is the faulting address; meaningful only when Vector ==
	// VectorPageFault.
	FaultAddr uint64

	// PC is the trapped program counter.
	PC uint64

	// Flags carries processor mode bits (e.g. whether the trap occurred
	// in userspace or kernel context).
	Flags uint64
}
