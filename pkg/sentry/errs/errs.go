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

// Package errs defines the closed set of error kinds that cross component
// boundaries in the kernel core. Errors are values: every fallible call
// returns a *Error (or nil) and is expected to be checked at its call site.
// There are no kernel exceptions; an unchecked failure that leads to a stale
// pointer or lock is a bug, not a runtime condition.
package errs

import (
	"fmt"

	"github.com/vesperos/kernel/pkg/log"
)

// Kind is a closed enumeration of error kinds surfaced across component
// boundaries. Adding a kind is a code change, not configuration.
type Kind int

const (
	// NoMem indicates resource exhaustion (ASIDs, frames, arena slots).
	NoMem Kind = iota
	// NoEnt indicates a referenced object does not exist.
	NoEnt
	// Busy indicates the resource is temporarily unavailable.
	Busy
	// AlreadyExists indicates a creation request collided with an
	// existing object (e.g. an overlapping region).
	AlreadyExists
	// Invalid indicates a malformed or out-of-range request.
	Invalid
	// Perm indicates the caller lacks permission for the request.
	Perm
	// Overflow indicates a counter or index would wrap or exceed its
	// domain.
	Overflow
	// Fault indicates a page fault that could not be resolved, or an
	// intra-kernel bug detected at a checked boundary.
	Fault
	// Timeout indicates a timed wait expired before it was satisfied.
	Timeout
	// Interrupted indicates a blocked wait was cancelled by
	// thread_interrupt.
	Interrupted
	// WouldBlock indicates a non-blocking request could not complete
	// immediately.
	WouldBlock
	// Hangup indicates the IPC peer (phone or answerbox) has closed.
	Hangup
)

var kindNames = [...]string{
	NoMem:         "NoMem",
	NoEnt:         "NoEnt",
	Busy:          "Busy",
	AlreadyExists: "AlreadyExists",
	Invalid:       "Invalid",
	Perm:          "Perm",
	Overflow:      "Overflow",
	Fault:         "Fault",
	Timeout:       "Timeout",
	Interrupted:   "Interrupted",
	WouldBlock:    "WouldBlock",
	Hangup:        "Hangup",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error implements error, so a bare Kind can serve as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a kernel error value: a Kind plus an optional wrapped cause.
// Intra-kernel call sites compare against Kind via errors.Is with a bare
// Kind sentinel (see Is below); callers crossing the syscall boundary
// extract Kind via AsKind to translate it to the integer ABI value.
type Error struct {
	Kind  Kind
	Cause error
}

// New returns an *Error with no wrapped cause.
func New(k Kind) *Error {
	return &Error{Kind: k}
}

// Wrap returns an *Error of kind k that wraps cause for diagnostics.
func Wrap(k Kind, cause error) *Error {
	return &Error{Kind: k, Cause: cause}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

// Unwrap implements the errors.Unwrap protocol.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements the errors.Is protocol against a bare Kind value, so call
// sites can write errors.Is(err, errs.NoMem) instead of type-asserting.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	if !ok {
		if other, ok := target.(*Error); ok {
			return other.Kind == e.Kind
		}
		return false
	}
	return e.Kind == k
}

// AsKind extracts the Kind of err, defaulting to Fault if err does not
// originate from this package (an unrecognized error crossing the syscall
// boundary is itself a bug).
func AsKind(err error) Kind {
	if err == nil {
		return -1
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return Fault
}

// Fatal reports an intra-kernel bug and panics. Per spec, a fault inside the
// kernel is fatal by contract: this is the only legal way for a Fault to
// terminate control flow rather than be returned as a value.
func Fatal(format string, v ...any) {
	log.Fatalf(format, v...)
}
