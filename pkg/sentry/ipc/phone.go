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

package ipc

import "sync"

// PhoneState is a phone's position in the state machine named by spec §3:
// Free -> Connecting -> Connected -> Hungup -> Free.
type PhoneState int

const (
	// PhoneFree is the state of an unallocated phone slot.
	PhoneFree PhoneState = iota
	// PhoneConnecting is set briefly while a connection is established;
	// this simulation has no handshake protocol, so Connect moves a
	// phone directly from Free through Connecting to Connected.
	PhoneConnecting
	// PhoneConnected is a phone usable for call_async/call_sync.
	PhoneConnected
	// PhoneHungup is a phone whose last reference has called Hangup; it
	// is permanently closed (the spec's eventual return to Free models
	// slot reuse, which this package leaves to the owning task's phone
	// table).
	PhoneHungup
)

// phoneShared is the reference-counted state behind every clone of a
// Phone; cloning a phone (e.g. to hand a capability to a child task)
// increments refs, and the underlying answerbox is notified only once refs
// reaches zero.
type phoneShared struct {
	mu     sync.Mutex
	state  PhoneState
	target *Answerbox
	refs   int
}

// Phone is a task-local handle pointing at another task's answerbox.
type Phone struct {
	shared *phoneShared
}

// Connect creates a new phone aimed at target.
func Connect(target *Answerbox) *Phone {
	s := &phoneShared{state: PhoneConnected, target: target, refs: 1}
	target.addPhone(s)
	return &Phone{shared: s}
}

// Clone returns a second handle to the same underlying phone, incrementing
// its reference count. The clone and the original observe the same state.
func (p *Phone) Clone() *Phone {
	p.shared.mu.Lock()
	p.shared.refs++
	p.shared.mu.Unlock()
	return &Phone{shared: p.shared}
}

// State returns the phone's current state.
func (p *Phone) State() PhoneState {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	return p.shared.state
}

// isClosed reports whether this phone may no longer be used to place
// calls.
func (p *Phone) isClosed() bool {
	return p.State() == PhoneHungup
}

// Hangup drops this handle's reference. When the last reference to the
// underlying phone is dropped, the phone transitions to Hungup and the
// target answerbox receives a synthesized hangup notification, per spec
// §3's "hangup is eventual" and §4.5's hangup operation. A phone already in
// PhoneHungup is a no-op per spec §8's boundary case: "a hangup delivered
// to an already-hungup phone is a no-op returning OK."
func (p *Phone) Hangup() {
	p.shared.mu.Lock()
	if p.shared.state == PhoneHungup {
		p.shared.mu.Unlock()
		return
	}
	p.shared.refs--
	remaining := p.shared.refs
	target := p.shared.target
	if remaining <= 0 {
		p.shared.state = PhoneHungup
	}
	p.shared.mu.Unlock()

	if remaining <= 0 && target != nil {
		target.postHangupNotification()
	}
}
