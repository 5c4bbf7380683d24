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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperos/kernel/pkg/sentry/errs"
)

func TestCallAsyncThenAnswerRoundTrips(t *testing.T) {
	callerBox := NewAnswerbox()
	serverBox := NewAnswerbox()
	phone := Connect(serverBox)

	_, err := CallAsync(callerBox, phone, 7, Args{1, 2, 3, 4, 5})
	require.NoError(t, err)

	call, err := serverBox.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), call.Method)

	require.NoError(t, serverBox.Answer(call.Handle, 8, Args{9}))

	reply, err := callerBox.Wait(time.Second)
	require.NoError(t, err)
	assert.True(t, reply.Flags&FlagAnswer != 0)
	assert.Equal(t, uint32(8), reply.Method)
}

func TestCallSyncBlocksUntilAnswered(t *testing.T) {
	serverBox := NewAnswerbox()
	callerBox := NewAnswerbox()
	phone := Connect(serverBox)

	done := make(chan *Call, 1)
	go func() {
		reply, err := CallSync(callerBox, phone, 1, Args{}, time.Second)
		require.NoError(t, err)
		done <- reply
	}()

	call, err := serverBox.Wait(time.Second)
	require.NoError(t, err)
	require.NoError(t, serverBox.Answer(call.Handle, 2, Args{42}))

	select {
	case reply := <-done:
		assert.Equal(t, uint32(2), reply.Method)
		assert.Equal(t, uint64(42), reply.Args[0])
	case <-time.After(time.Second):
		t.Fatal("call_sync did not return")
	}
}

func TestCallIntoClosedPhoneFailsWithHangup(t *testing.T) {
	serverBox := NewAnswerbox()
	callerBox := NewAnswerbox()
	phone := Connect(serverBox)
	phone.Hangup()

	_, err := CallAsync(callerBox, phone, 1, Args{})
	assert.Equal(t, errs.Hangup, errs.AsKind(err))
}

func TestPhoneHangupNotifiesAnswerboxOnlyAfterLastClone(t *testing.T) {
	serverBox := NewAnswerbox()
	phone := Connect(serverBox)
	clone := phone.Clone()

	phone.Hangup()
	_, err := serverBox.Wait(10 * time.Millisecond)
	assert.Error(t, err, "hangup should not fire until the last clone drops")

	clone.Hangup()
	call, err := serverBox.Wait(time.Second)
	require.NoError(t, err)
	assert.True(t, call.HungUp)
}

func TestHangupOnAlreadyHungupPhoneIsNoOp(t *testing.T) {
	serverBox := NewAnswerbox()
	phone := Connect(serverBox)

	phone.Hangup()
	call, err := serverBox.Wait(time.Second)
	require.NoError(t, err)
	assert.True(t, call.HungUp)

	phone.Hangup() // second hangup must not post a duplicate notification

	_, err = serverBox.Wait(10 * time.Millisecond)
	assert.Error(t, err, "no second hangup notification should be queued")
}

func TestForwardRetargetsCallKeepingReplyPath(t *testing.T) {
	callerBox := NewAnswerbox()
	firstBox := NewAnswerbox()
	secondBox := NewAnswerbox()
	phone := Connect(firstBox)
	secondPhone := Connect(secondBox)

	_, err := CallAsync(callerBox, phone, 1, Args{})
	require.NoError(t, err)

	call, err := firstBox.Wait(time.Second)
	require.NoError(t, err)
	require.NoError(t, firstBox.Forward(call.Handle, secondPhone, 55))

	forwarded, err := secondBox.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(55), forwarded.Method)

	require.NoError(t, secondBox.Answer(forwarded.Handle, 66, Args{}))
	reply, err := callerBox.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(66), reply.Method)
}

func TestAnswerboxDestroyAutoAnswersPendingCallsWithHangup(t *testing.T) {
	callerBox := NewAnswerbox()
	serverBox := NewAnswerbox()
	phone := Connect(serverBox)

	_, err := CallAsync(callerBox, phone, 1, Args{})
	require.NoError(t, err)

	serverBox.Destroy()

	reply, err := callerBox.Wait(time.Second)
	require.NoError(t, err)
	assert.True(t, reply.HungUp)
}

func TestSecondAnswerOnSameHandleFailsWithInvalid(t *testing.T) {
	callerBox := NewAnswerbox()
	serverBox := NewAnswerbox()
	phone := Connect(serverBox)

	_, err := CallAsync(callerBox, phone, 7, Args{})
	require.NoError(t, err)

	call, err := serverBox.Wait(time.Second)
	require.NoError(t, err)
	require.NoError(t, serverBox.Answer(call.Handle, 8, Args{}))

	err = serverBox.Answer(call.Handle, 9, Args{})
	assert.Equal(t, errs.Invalid, errs.AsKind(err))
}

func TestAnswerOnNeverDispatchedHandleFailsWithNoEnt(t *testing.T) {
	serverBox := NewAnswerbox()
	err := serverBox.Answer(Handle(999999), 1, Args{})
	assert.Equal(t, errs.NoEnt, errs.AsKind(err))
}

func TestNotificationsBypassIncomingCalls(t *testing.T) {
	box := NewAnswerbox()
	callerBox := NewAnswerbox()
	phone := Connect(box)

	_, err := CallAsync(callerBox, phone, 1, Args{})
	require.NoError(t, err)
	box.PostNotification(123, Args{9})

	first, err := box.Wait(time.Second)
	require.NoError(t, err)
	assert.True(t, first.Flags&FlagNotification != 0, "notification should be received before the earlier-queued call")
}
