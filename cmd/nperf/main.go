// Command nperf drives a UDP network-performance measurement run: a
// sender pushes datagrams at a configured rate/primitive/I-O-model toward
// a receiver, which accounts for throughput, loss, reorder, and
// duplication and reports the result as text and, when --metrics-addr is
// set, as Prometheus gauges.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/nperf-go/nperf/control"
	"github.com/nperf-go/nperf/internal/config"
	"github.com/nperf-go/nperf/internal/orchestrator"
	"github.com/nperf-go/nperf/internal/output"
	"github.com/nperf-go/nperf/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:   "nperf",
		Short: "UDP network-performance measurement tool",
		Long: `nperf measures UDP throughput, loss, reordering, and duplication
between a sender and a receiver process, exercising modern Linux kernel
I/O primitives (io_uring, GSO/GRO, pacing, port sharing/sharding) as
selectable strategies rather than hardcoded behavior.`,
	}

	root.AddCommand(newSendCmd())
	root.AddCommand(newReceiveCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newSendCmd() *cobra.Command {
	var c config.Config
	cmd := &cobra.Command{
		Use:   "send",
		Short: "run sender workers against a peer receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSide(&c, worker.ModeSender)
		},
	}
	config.RegisterFlags(cmd.Flags(), &c)
	return cmd
}

func newReceiveCmd() *cobra.Command {
	var c config.Config
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "run receiver workers, accounting for arriving streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSide(&c, worker.ModeReceiver)
		},
	}
	config.RegisterFlags(cmd.Flags(), &c)
	return cmd
}

func runSide(c *config.Config, mode worker.TransportMode) error {
	base, err := c.ToParameter(mode, 0)
	if err != nil {
		return fmt.Errorf("nperf: %w", err)
	}

	var metricsSink *output.PrometheusSink
	if c.MetricsAddr != "" {
		metricsSink = output.NewPrometheusSink()
		mountDebugRoutes(metricsSink.Mux(), base)
		go func() {
			if err := metricsSink.ListenAndServe(c.MetricsAddr); err != nil {
				slog.Error("nperf: metrics server exited", "error", err)
			}
		}()
	}

	plans := orchestrator.PlanWorkers(base, c.Workers)
	logger := slog.Default()
	outcomes := orchestrator.Run(plans, logger)

	merged, errs := orchestrator.Aggregate(outcomes)
	for _, e := range errs {
		logger.Warn("nperf: worker reported an error", "error", e)
	}
	merged.RunID = base.RunID
	merged.Calculate()

	text := output.NewTextSink(os.Stdout)
	text.ShowUringDetail = base.IOModel == worker.IOAsyncRing
	if err := text.Write(merged); err != nil {
		return fmt.Errorf("nperf: writing text report: %w", err)
	}
	if metricsSink != nil {
		if err := metricsSink.Write(merged); err != nil {
			return fmt.Errorf("nperf: writing metrics: %w", err)
		}
	}

	if len(outcomes) != len(plans) {
		return fmt.Errorf("nperf: only %d of %d workers reported before the join timeout", len(outcomes), len(plans))
	}
	if len(errs) > 0 {
		return fmt.Errorf("nperf: %d of %d workers failed", len(errs), len(plans))
	}
	return nil
}

// mountDebugRoutes adds a /debug introspection endpoint and a /config
// reload endpoint to mux, both backed by the same MetricsRegistry/
// ConfigStore instances every worker plan in this run shares (PlanWorkers
// copies base.Parameter by value per worker, but the registry/store
// pointers it carries are shared across all of them).
func mountDebugRoutes(mux *http.ServeMux, base worker.Parameter) {
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	if base.MetricsRegistry != nil {
		probes.RegisterProbe("workers.metrics", func() any {
			return base.MetricsRegistry.GetSnapshot()
		})
	}
	if base.ConfigStore != nil {
		probes.RegisterProbe("workers.config", func() any {
			return base.ConfigStore.GetSnapshot()
		})
	}

	mux.HandleFunc("/debug", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(probes.DumpState()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	if base.ConfigStore == nil {
		return
	}
	mux.HandleFunc("/config", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
			return
		}
		var updates struct {
			PacingRate uint64 `json:"pacing_rate"`
		}
		if err := json.NewDecoder(req.Body).Decode(&updates); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		base.ConfigStore.SetConfig(map[string]any{"pacing_rate": updates.PacingRate})
		w.WriteHeader(http.StatusNoContent)
	})
}
