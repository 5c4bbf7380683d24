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

// Package log is the kernel-wide logging façade. Call sites use the same
// Debugf/Infof/Warningf helpers that gVisor's own pkg/log exposes; the backend
// is a real structured logger (zap) instead of a hand-rolled one.
package log

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// backend is swapped by SetBackend; the atomic.Value lets VCPU
	// goroutines read it without synchronizing with the (rare) logger
	// reconfiguration path.
	backend atomic.Value // *zap.SugaredLogger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		// Logging can't even initialize; there's nothing sensible left
		// to do but fall back to a no-op logger rather than crash
		// before the kernel has done anything.
		l = zap.NewNop()
	}
	backend.Store(l.Sugar())
}

// SetBackend replaces the zap logger used by this package. Intended for use
// by cmd/kerneld to install a production (JSON, leveled) configuration.
func SetBackend(l *zap.Logger) {
	backend.Store(l.Sugar())
}

func sugar() *zap.SugaredLogger {
	return backend.Load().(*zap.SugaredLogger)
}

// Debugf logs at debug level.
func Debugf(format string, v ...any) {
	sugar().Debugf(format, v...)
}

// DebugfAtDepth logs at debug level, attributing the call site depth levels
// above the caller of DebugfAtDepth (mirrors gVisor's API for callers that
// wrap this function, e.g. thread.Debugf).
func DebugfAtDepth(depth int, format string, v ...any) {
	sugar().Desugar().WithOptions(zap.AddCallerSkip(depth)).Sugar().Debugf(format, v...)
}

// Infof logs at info level.
func Infof(format string, v ...any) {
	sugar().Infof(format, v...)
}

// Warningf logs at warn level.
func Warningf(format string, v ...any) {
	sugar().Warnf(format, v...)
}

// Fatalf logs at error level, then panics. Inside the kernel core it is
// reached only through errs.Fatal; the cmd/ entry points also call it to
// report a failed command.
func Fatalf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	sugar().Error(msg)
	panic(msg)
}
