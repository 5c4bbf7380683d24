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

package irq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperos/kernel/pkg/sentry/ipc"
)

type fakePort struct {
	byte8 uint8
}

func (p *fakePort) Read8(port uint32) uint8       { return p.byte8 }
func (p *fakePort) Read16(port uint32) uint16     { return uint16(p.byte8) }
func (p *fakePort) Read32(port uint32) uint32     { return uint32(p.byte8) }
func (p *fakePort) Write8(port uint32, v uint8)   {}
func (p *fakePort) Write16(port uint32, v uint16) {}
func (p *fakePort) Write32(port uint32, v uint32) {}

// uartProgram mirrors spec §8 scenario 6: READ_8 0x3F8 -> s1; BTEST s1 & 1
// -> s2; PREDICATE s2 skip 1; ACCEPT; DECLINE.
func uartProgram() []Instruction {
	return []Instruction{
		{Op: Read8, Port: 0x3F8, Dst: 1},
		{Op: BTest, Src: 1, Imm: 0x01, Dst: 2},
		{Op: Predicate, Src: 2, Skip: 1},
		{Op: Accept},
		{Op: Decline},
	}
}

func TestIRQAcceptsAndNotifiesOnMatchingBit(t *testing.T) {
	box := ipc.NewAnswerbox()
	rec, err := NewRecord(4, 1, uartProgram(), box, 99)
	require.NoError(t, err)

	port := &fakePort{byte8: 0x41}
	accepted := rec.Fire(port)
	assert.True(t, accepted)
	assert.Equal(t, uint64(1), rec.Counter())

	call, err := box.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), call.Method)
	assert.Equal(t, uint64(0x41), call.Args[0])
}

func TestIRQDeclinesWhenBitUnset(t *testing.T) {
	box := ipc.NewAnswerbox()
	rec, err := NewRecord(4, 1, uartProgram(), box, 99)
	require.NoError(t, err)

	port := &fakePort{byte8: 0x40}
	accepted := rec.Fire(port)
	assert.False(t, accepted)
	assert.Equal(t, uint64(0), rec.Counter())

	_, err = box.Wait(10 * time.Millisecond)
	assert.Error(t, err, "no notification should have been posted")
}

func TestIRQOutOfRangeRegisterDeclines(t *testing.T) {
	box := ipc.NewAnswerbox()
	program := []Instruction{{Op: Read8, Port: 0x3F8, Dst: 9}}
	rec, err := NewRecord(4, 1, program, box, 0)
	require.NoError(t, err)

	accepted := rec.Fire(&fakePort{byte8: 1})
	assert.False(t, accepted)
}

func TestNewRecordRejectsOversizedProgram(t *testing.T) {
	box := ipc.NewAnswerbox()
	program := make([]Instruction, MaxInstructions+1)
	_, err := NewRecord(0, 0, program, box, 0)
	assert.Error(t, err)
}
