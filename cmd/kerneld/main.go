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

// Command kerneld boots a Kernel, spawns a small demo server/client task
// pair exercising the address-space and IPC operations, and serves a
// Prometheus debug endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vesperos/kernel/pkg/log"
	"github.com/vesperos/kernel/pkg/sentry/kernel"
	"github.com/vesperos/kernel/pkg/sentry/metric"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		numCPUs    int
		asidPool   int
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "kerneld",
		Short: "Boot the kernel and run its demo task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), numCPUs, asidPool, listenAddr)
		},
	}
	cmd.Flags().IntVar(&numCPUs, "cpus", 4, "number of virtual CPUs")
	cmd.Flags().IntVar(&asidPool, "asid-pool", 64, "ASID pool size")
	cmd.Flags().StringVar(&listenAddr, "listen", ":9090", "address to serve /metrics on")
	return cmd
}

func run(parent context.Context, numCPUs, asidPool int, listenAddr string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warningf("kerneld: fatal panic: %v", rec)
			panic(rec)
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := metric.NewRegistry(registry)

	k := kernel.NewKernel(kernel.Config{NumCPUs: numCPUs, ASIDPool: asidPool, Metrics: metrics})
	spawnDemoTree(k)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		log.Infof("serving debug endpoint on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warningf("debug endpoint stopped: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt)
	defer cancel()
	err = k.Start(ctx)
	_ = srv.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}
