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

// Package irq implements the IRQ pseudo-code filter of spec §4.5: a small,
// bounded bytecode program that runs in (simulated) interrupt context when
// a line fires, deciding whether to turn the interrupt into an IPC
// notification. The instruction set and register discipline are carried
// over verbatim from HelenOS's own interpreter
// (original_source/kernel/generic/src/ipc/irq.c): five one-indexed scratch
// registers, port-width reads/writes, a zero-test predicate-skip, and two
// terminal instructions, ACCEPT and DECLINE.
package irq

import (
	"sync/atomic"

	"github.com/vesperos/kernel/pkg/sentry/errs"
	"github.com/vesperos/kernel/pkg/sentry/ipc"
)

// MaxInstructions bounds a program's length; registration rejects anything
// longer, per spec §4.5's "pseudo-code program too large -> reject at
// registration".
const MaxInstructions = 64

// firstScratchReg and lastScratchReg bound the valid 1-indexed scratch
// register range; ACCEPT reports registers 1..5 as notification arguments.
const (
	firstScratchReg = 1
	lastScratchReg  = 5
)

// Opcode is one pseudo-code instruction kind.
type Opcode int

const (
	// Read8 reads one byte from Port into scratch[Dst].
	Read8 Opcode = iota
	// Read16 reads two bytes from Port into scratch[Dst].
	Read16
	// Read32 reads four bytes from Port into scratch[Dst].
	Read32
	// Write8 writes the low byte of Imm to Port.
	Write8
	// Write16 writes the low two bytes of Imm to Port.
	Write16
	// Write32 writes Imm to Port.
	Write32
	// BTest computes scratch[Src] & Imm and stores it in scratch[Dst].
	BTest
	// Predicate skips the next Skip instructions if scratch[Src] == 0.
	Predicate
	// Accept terminates the program, delivering a notification call
	// carrying scratch registers 1..5 to the record's target answerbox.
	Accept
	// Decline terminates the program without delivering anything.
	Decline
)

// Instruction is one pseudo-code opcode plus whichever operands it uses;
// operands irrelevant to a given Op are simply left zero.
type Instruction struct {
	Op   Opcode
	Port uint32
	Imm  uint64
	Src  int
	Dst  int
	Skip int
}

// Scratch is the IRQ record's register bank. Index 0 is unused; valid
// registers are 1..5, matching the spec's 1-indexed scratch[i] notation.
type Scratch [lastScratchReg + 1]uint64

// PortSpace is the simulated I/O address space an IRQ program's READ/WRITE
// instructions operate against; a device model supplies one per line.
type PortSpace interface {
	Read8(port uint32) uint8
	Read16(port uint32) uint16
	Read32(port uint32) uint32
	Write8(port uint32, v uint8)
	Write16(port uint32, v uint16)
	Write32(port uint32, v uint32)
}

// Record is one registered IRQ line: its line number, owning device number,
// pseudo-code program, scratch bank, and the answerbox/method an ACCEPT
// delivers to.
type Record struct {
	INR     int
	Device  int
	Program []Instruction
	target  *ipc.Answerbox
	method  uint32
	counter atomic.Uint64
	scratch Scratch
}

// NewRecord registers an IRQ record. It rejects programs longer than
// MaxInstructions; out-of-range register indices within an accepted
// program are not checked here; per spec they terminate execution with
// Decline at run time instead.
func NewRecord(inr, device int, program []Instruction, target *ipc.Answerbox, method uint32) (*Record, error) {
	if len(program) > MaxInstructions {
		return nil, errs.New(errs.Invalid)
	}
	prog := make([]Instruction, len(program))
	copy(prog, program)
	return &Record{INR: inr, Device: device, Program: prog, target: target, method: method}, nil
}

// Counter returns the number of times this record's program has reached
// Accept.
func (r *Record) Counter() uint64 {
	return r.counter.Load()
}

// Fire executes the record's program against io, as if the line had just
// interrupted. It returns true if the program reached Accept and posted a
// notification, false if it declined (explicitly, by falling off the end of
// the program, or via an out-of-range register index).
func (r *Record) Fire(io PortSpace) bool {
	pc := 0
	for pc < len(r.Program) {
		inst := r.Program[pc]
		switch inst.Op {
		case Read8:
			if !r.validReg(inst.Dst) {
				return false
			}
			r.scratch[inst.Dst] = uint64(io.Read8(inst.Port))
		case Read16:
			if !r.validReg(inst.Dst) {
				return false
			}
			r.scratch[inst.Dst] = uint64(io.Read16(inst.Port))
		case Read32:
			if !r.validReg(inst.Dst) {
				return false
			}
			r.scratch[inst.Dst] = uint64(io.Read32(inst.Port))
		case Write8:
			io.Write8(inst.Port, uint8(inst.Imm))
		case Write16:
			io.Write16(inst.Port, uint16(inst.Imm))
		case Write32:
			io.Write32(inst.Port, uint32(inst.Imm))
		case BTest:
			if !r.validReg(inst.Src) || !r.validReg(inst.Dst) {
				return false
			}
			r.scratch[inst.Dst] = r.scratch[inst.Src] & inst.Imm
		case Predicate:
			if !r.validReg(inst.Src) {
				return false
			}
			if r.scratch[inst.Src] == 0 {
				pc += inst.Skip
			}
		case Accept:
			r.accept()
			return true
		case Decline:
			return false
		default:
			return false
		}
		pc++
	}
	// Falling off the end without an explicit terminal instruction
	// declines, the same as an explicit Decline.
	return false
}

func (r *Record) validReg(i int) bool {
	return i >= firstScratchReg && i <= lastScratchReg
}

func (r *Record) accept() {
	r.counter.Add(1)
	var args ipc.Args
	for i := firstScratchReg; i <= lastScratchReg; i++ {
		args[i-firstScratchReg] = r.scratch[i]
	}
	r.target.PostNotification(r.method, args)
}
