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

package main

import (
	"context"
	"time"

	"github.com/vesperos/kernel/pkg/log"
	"github.com/vesperos/kernel/pkg/sentry/ipc"
	"github.com/vesperos/kernel/pkg/sentry/kernel"
	"github.com/vesperos/kernel/pkg/sentry/kernel/sched"
	"github.com/vesperos/kernel/pkg/sentry/mm"
)

// spawnDemoTree spawns a small server/client pair that exercises the
// address-space, IPC, and thread/task bands: the server maps an anonymous
// region and answers one call; the client places it and logs the reply.
// This stands in for the loader's usual role of mapping an ELF image and
// creating the first userspace task.
func spawnDemoTree(k *kernel.Kernel) {
	server, err := k.Spawn(0, kernel.TaskConfig{
		NewAddressSpace: true,
		Entry:           serverEntry,
	})
	if err != nil {
		log.Warningf("demo: failed to spawn server: %v", err)
		return
	}

	_, err = k.Spawn(1%k.Sched.NumCPUs(), kernel.TaskConfig{
		NewAddressSpace: true,
		Entry:           clientEntry(server),
	})
	if err != nil {
		log.Warningf("demo: failed to spawn client: %v", err)
	}
}

func serverEntry(ctx context.Context, self *kernel.Task) sched.RunResult {
	_, err := self.AS.AreaCreate(0, mm.PageSize, mm.AccessType{Read: true, Write: true}, mm.NewAnonymousBackend())
	if err != nil {
		log.Warningf("demo server: area create: %v", err)
		self.Exit(err)
		return sched.Exited
	}

	call, err := self.Box.Wait(5 * time.Second)
	if err != nil {
		log.Infof("demo server: wait: %v", err)
		self.Exit(err)
		return sched.Exited
	}
	if err := self.Box.Answer(call.Handle, call.Method+1, call.Args); err != nil {
		log.Warningf("demo server: answer: %v", err)
	}
	self.Exit(nil)
	return sched.Exited
}

func clientEntry(server *kernel.Task) kernel.EntryFunc {
	return func(ctx context.Context, self *kernel.Task) sched.RunResult {
		phone := ipc.Connect(server.Box)
		reply, err := ipc.CallSync(self.Box, phone, 1, ipc.Args{42}, 5*time.Second)
		if err != nil {
			log.Warningf("demo client: call_sync: %v", err)
		} else {
			log.Infof("demo client: got reply method=%d arg0=%d", reply.Method, reply.Args[0])
		}
		phone.Hangup()
		self.Exit(err)
		return sched.Exited
	}
}
