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

// Command kernelctl inspects a running kerneld's Prometheus debug endpoint.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vesperos/kernel/pkg/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "kernelctl",
		Short: "Inspect a running kerneld instance",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:9090", "kerneld debug endpoint base URL")

	root.AddCommand(newStatsCmd(&addr))
	return root
}

// newStatsCmd dumps every kernel_* metric kerneld exposes: run queue
// steals and preemptions, missed wakeups, and IPC notification counts.
func newStatsCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dump scheduler, wait-queue, and IPC counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(*addr + "/metrics")
			if err != nil {
				return fmt.Errorf("fetching metrics: %w", err)
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.HasPrefix(line, "kernel_") {
					fmt.Fprintln(os.Stdout, line)
				}
			}
			return scanner.Err()
		},
	}
}
