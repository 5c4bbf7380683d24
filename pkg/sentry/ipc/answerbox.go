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

import (
	"container/list"
	"sync"
	"time"

	"github.com/vesperos/kernel/pkg/sentry/errs"
	"github.com/vesperos/kernel/pkg/sentry/kernel/waitqueue"
)

// Answerbox is a task's IPC receive endpoint: an incoming-call queue, an
// answers queue, a notification queue, and a wait queue for the task(s)
// blocked in Wait. Per spec §4.5, notifications bypass the call queue so
// high call traffic cannot starve an IRQ-driven receiver; this
// implementation gives notifications top priority and answers second
// priority ahead of fresh incoming calls, since a receiver blocked in
// call_sync is expected to be unblocked promptly rather than queued behind
// unrelated new calls.
type Answerbox struct {
	mu            sync.Mutex
	incoming      list.List // *Call: fresh calls not yet delivered to a receiver
	dispatched    map[Handle]*Call
	answered      map[Handle]struct{} // handles already answered or forwarded, kept to reject a second answer
	answers       list.List           // *Call, FlagAnswer set
	notifications list.List           // *Call, FlagNotification set

	waiters   *waitqueue.Queue
	phones    []*phoneShared // back-links, for introspection/teardown
	destroyed bool
}

// NewAnswerbox returns a new, empty answerbox.
func NewAnswerbox() *Answerbox {
	return &Answerbox{
		dispatched: make(map[Handle]*Call),
		answered:   make(map[Handle]struct{}),
		waiters:    waitqueue.NewQueue(),
	}
}

func (b *Answerbox) addPhone(s *phoneShared) {
	b.mu.Lock()
	b.phones = append(b.phones, s)
	b.mu.Unlock()
}

// CallAsync implements call_async: it enqueues a call on phone's target
// answerbox and returns a handle that callerBox will later observe an
// answer for via Wait. It does not block.
func CallAsync(callerBox *Answerbox, phone *Phone, method uint32, args Args) (Handle, error) {
	if phone.isClosed() {
		return 0, errs.New(errs.Hangup)
	}
	target := phone.shared.target
	call := &Call{Handle: nextHandle(), Method: method, Args: args, senderPhone: phone, replyBox: callerBox}

	target.mu.Lock()
	if target.destroyed {
		target.mu.Unlock()
		return 0, errs.New(errs.Hangup)
	}
	target.incoming.PushBack(call)
	target.mu.Unlock()
	target.waiters.WakeOne()
	return call.Handle, nil
}

// CallSync implements call_sync: it performs call_async and then blocks on
// callerBox for the tagged reply. Any other entry it dequeues in the
// meantime (a call addressed to callerBox's own server role, another
// answer, or a notification) is held aside and re-queued, in its original
// order, when CallSync returns, so that role's normal Wait loop still
// observes it.
func CallSync(callerBox *Answerbox, phone *Phone, method uint32, args Args, timeout time.Duration) (*Call, error) {
	handle, err := CallAsync(callerBox, phone, method, args)
	if err != nil {
		return nil, err
	}
	var skipped []*Call
	defer func() {
		for i := len(skipped) - 1; i >= 0; i-- {
			callerBox.requeue(skipped[i])
		}
	}()
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		remaining := timeout
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, errs.New(errs.Timeout)
			}
		}
		call, err := callerBox.Wait(remaining)
		if err != nil {
			return nil, err
		}
		if call.Flags&FlagAnswer != 0 && call.Handle == handle {
			return call, nil
		}
		skipped = append(skipped, call)
	}
}

// requeue re-delivers a Call that Wait dequeued but which was not the reply
// call_sync was waiting for, restoring it to the front of the queue it
// belongs in so ordering for other receivers is preserved.
func (b *Answerbox) requeue(call *Call) {
	b.mu.Lock()
	switch {
	case call.Flags&FlagNotification != 0:
		b.notifications.PushFront(call)
	case call.Flags&FlagAnswer != 0:
		b.answers.PushFront(call)
	default:
		b.incoming.PushFront(call)
		delete(b.dispatched, call.Handle)
	}
	b.mu.Unlock()
	b.waiters.WakeOne()
}

// Wait implements wait(answerbox, timeout): it blocks until a call, answer,
// or notification is available and dequeues exactly one, in priority order
// notification > answer > incoming call. A dequeued fresh call is recorded
// as dispatched so a later Answer or Forward can find it by handle.
func (b *Answerbox) Wait(timeout time.Duration) (*Call, error) {
	w := waitqueue.NewWaiter()
	for {
		b.mu.Lock()
		if call := b.popLocked(); call != nil {
			b.mu.Unlock()
			return call, nil
		}
		destroyed := b.destroyed
		b.mu.Unlock()
		if destroyed {
			return nil, errs.New(errs.Hangup)
		}

		outcome := b.waiters.Sleep(w, timeout, waitqueue.Interruptible)
		switch outcome {
		case waitqueue.OkBlocked, waitqueue.OkAtomic:
			// Something was posted; loop to dequeue it. Another
			// waiter may have raced us to it, in which case we
			// loop back to Sleep.
		case waitqueue.Timeout:
			return nil, errs.New(errs.Timeout)
		case waitqueue.Interrupted:
			return nil, errs.New(errs.Interrupted)
		case waitqueue.WouldBlock:
			return nil, errs.New(errs.WouldBlock)
		}
	}
}

// popLocked removes and returns the highest-priority ready entry, or nil.
// b.mu must be held.
func (b *Answerbox) popLocked() *Call {
	if e := b.notifications.Front(); e != nil {
		b.notifications.Remove(e)
		return e.Value.(*Call)
	}
	if e := b.answers.Front(); e != nil {
		b.answers.Remove(e)
		return e.Value.(*Call)
	}
	if e := b.incoming.Front(); e != nil {
		b.incoming.Remove(e)
		call := e.Value.(*Call)
		b.dispatched[call.Handle] = call
		return call
	}
	return nil
}

// Answer implements answer(call_handle, reply_payload): it looks up the
// call this answerbox dispatched to a receiver and delivers a reply to the
// caller's answerbox.
func (b *Answerbox) Answer(handle Handle, method uint32, args Args) error {
	b.mu.Lock()
	call, ok := b.dispatched[handle]
	if !ok {
		if _, already := b.answered[handle]; already {
			b.mu.Unlock()
			return errs.New(errs.Invalid)
		}
		b.mu.Unlock()
		return errs.New(errs.NoEnt)
	}
	delete(b.dispatched, handle)
	b.answered[handle] = struct{}{}
	b.mu.Unlock()

	reply := &Call{Handle: handle, Method: method, Args: args, Flags: FlagAnswer}
	deliverReply(call.replyBox, reply)
	return nil
}

// Forward implements forward(call_handle, new_phone, new_method): it
// re-targets a call this answerbox has not yet answered to another
// answerbox, leaving the reply path pointed at the original caller.
func (b *Answerbox) Forward(handle Handle, newPhone *Phone, newMethod uint32) error {
	b.mu.Lock()
	call, ok := b.dispatched[handle]
	if !ok {
		if _, already := b.answered[handle]; already {
			b.mu.Unlock()
			return errs.New(errs.Invalid)
		}
		b.mu.Unlock()
		return errs.New(errs.NoEnt)
	}
	delete(b.dispatched, handle)
	b.answered[handle] = struct{}{}
	b.mu.Unlock()

	if newPhone.isClosed() {
		deliverReply(call.replyBox, &Call{Handle: handle, Flags: FlagAnswer, HungUp: true})
		return errs.New(errs.Hangup)
	}

	call.Method = newMethod
	call.Flags |= FlagForwarded
	target := newPhone.shared.target
	target.mu.Lock()
	if target.destroyed {
		target.mu.Unlock()
		deliverReply(call.replyBox, &Call{Handle: handle, Flags: FlagAnswer, HungUp: true})
		return errs.New(errs.Hangup)
	}
	target.incoming.PushBack(call)
	target.mu.Unlock()
	target.waiters.WakeOne()
	return nil
}

// deliverReply pushes reply onto dest's answers queue and wakes a
// receiver; dest may be nil if the original caller's answerbox has already
// been destroyed, in which case the reply is simply dropped.
func deliverReply(dest *Answerbox, reply *Call) {
	if dest == nil {
		return
	}
	dest.mu.Lock()
	if dest.destroyed {
		dest.mu.Unlock()
		return
	}
	dest.answers.PushBack(reply)
	dest.mu.Unlock()
	dest.waiters.WakeOne()
}

// postHangupNotification delivers a synthesized hangup notification to b,
// called when the last reference to a phone aimed at b drops.
func (b *Answerbox) postHangupNotification() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.notifications.PushBack(&Call{Flags: FlagNotification, HungUp: true})
	b.mu.Unlock()
	b.waiters.WakeOne()
}

// PostNotification delivers a non-hangup notification (e.g. from an IRQ
// record's ACCEPT) to b, bypassing the call queue.
func (b *Answerbox) PostNotification(method uint32, args Args) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.notifications.PushBack(&Call{Method: method, Args: args, Flags: FlagNotification})
	b.mu.Unlock()
	b.waiters.WakeOne()
}

// Destroy tears down the answerbox: every call it has dispatched to a
// receiver but not yet answered, and every call still waiting in its
// incoming queue, is auto-answered with Hangup, per spec §4.5's answerbox
// teardown failure mode. After Destroy, CallAsync targeting this box fails
// with Hangup; Wait still returns any answers and notifications queued
// before Destroy, then fails with Hangup.
func (b *Answerbox) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	pending := make([]*Call, 0, len(b.dispatched)+b.incoming.Len())
	for handle, call := range b.dispatched {
		pending = append(pending, call)
		b.answered[handle] = struct{}{}
	}
	b.dispatched = make(map[Handle]*Call)
	for e := b.incoming.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*Call))
	}
	b.incoming.Init()
	b.mu.Unlock()

	for _, call := range pending {
		deliverReply(call.replyBox, &Call{Handle: call.Handle, Flags: FlagAnswer, HungUp: true})
	}
	b.waiters.WakeAll()
}
