// Package orchestrator spawns a test run's sender or receiver workers as
// goroutines, collects their results over single-producer/single-consumer
// channels, and aggregates the final statistics via the C7 addition
// monoid (spec.md §5).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nperf-go/nperf/internal/stats"
	"github.com/nperf-go/nperf/internal/worker"
)

// JoinFloor is the minimum orchestrator join timeout regardless of how
// short the configured test duration is (spec.md §5).
const JoinFloor = 120 * time.Second

// Plan is one worker's resolved parameter set, built by the caller
// (typically cmd/nperf via internal/config) for each of Config.Workers
// logical workers. WorkerIndex, LocalPort, and PeerPort are already
// adjusted for the worker's position under the chosen MultiplexPolicy.
type Plan struct {
	Parameter worker.Parameter
}

// WorkerOutcome is one spawned worker's terminal state, tagged with its
// index so a caller can correlate it back to its Plan entry.
type WorkerOutcome struct {
	WorkerIndex uint16
	Result      worker.Result
}

// Run spawns one goroutine per plan entry (sender or receiver, per each
// Parameter.Mode), waits for all of them to report back or for the join
// timeout (max(2*duration, 120s)) to elapse, and returns every outcome it
// collected. A worker that has not reported by the timeout has no
// WorkerOutcome in the returned slice, which then holds fewer entries
// than plans; the orchestrator never blocks past the timeout waiting for
// a hung worker.
func Run(plans []Plan, logger *slog.Logger) []WorkerOutcome {
	if logger == nil {
		logger = slog.Default()
	}
	n := len(plans)
	results := make(chan WorkerOutcome, n)

	var maxDuration time.Duration
	for _, p := range plans {
		if p.Parameter.TestDuration > maxDuration {
			maxDuration = p.Parameter.TestDuration
		}
		go runOne(p, logger, results)
	}

	timeout := 2 * maxDuration
	if timeout < JoinFloor {
		timeout = JoinFloor
	}
	deadline := time.After(timeout)

	outcomes := make([]WorkerOutcome, 0, n)
	for i := 0; i < n; i++ {
		select {
		case o := <-results:
			outcomes = append(outcomes, o)
		case <-deadline:
			logger.Warn("orchestrator: join timeout elapsed with workers still outstanding",
				"collected", len(outcomes), "expected", n)
			return outcomes
		}
	}
	return outcomes
}

func runOne(p Plan, logger *slog.Logger, results chan<- WorkerOutcome) {
	idx := p.Parameter.WorkerIndex
	switch p.Parameter.Mode {
	case worker.ModeSender:
		s, err := worker.NewSender(p.Parameter, logger)
		if err != nil {
			results <- WorkerOutcome{WorkerIndex: idx, Result: worker.Result{Err: err}}
			return
		}
		results <- WorkerOutcome{WorkerIndex: idx, Result: s.Run()}
	case worker.ModeReceiver:
		r, err := worker.NewReceiver(p.Parameter, logger)
		if err != nil {
			results <- WorkerOutcome{WorkerIndex: idx, Result: worker.Result{Err: err}}
			return
		}
		results <- WorkerOutcome{WorkerIndex: idx, Result: r.Run()}
	default:
		results <- WorkerOutcome{WorkerIndex: idx, Result: worker.Result{Err: fmt.Errorf("orchestrator: unknown worker mode %v", p.Parameter.Mode)}}
	}
}

// Aggregate merges every outcome's final Statistic via the C7 addition
// monoid, skipping any outcome that errored. It returns the merged
// Statistic and the list of per-worker errors encountered (empty when
// every worker succeeded).
func Aggregate(outcomes []WorkerOutcome) (stats.Statistic, []error) {
	var errs []error
	var merged stats.Statistic
	haveAny := false

	for _, o := range outcomes {
		if o.Result.Err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", o.WorkerIndex, o.Result.Err))
			continue
		}
		if !haveAny {
			merged = o.Result.Final
			haveAny = true
			continue
		}
		merged = merged.Add(o.Result.Final)
	}
	return merged, errs
}

// PlanWorkers expands a single base Parameter into one Plan per logical
// worker, setting WorkerIndex and applying the multiplex policy per
// spec.md §4.C6's port-sharing model: individual workers each get their
// own local port (base + index, when the base is non-zero) and, for
// senders, their own peer port likewise, while shared/sharded workers all
// keep the base ports with SO_REUSEPORT so the kernel load-balances or
// hashes datagrams across their sockets.
func PlanWorkers(base worker.Parameter, count uint16) []Plan {
	plans := make([]Plan, 0, count)
	policy := base.MultiplexSender
	if base.Mode == worker.ModeReceiver {
		policy = base.MultiplexReceiver
	}

	for i := uint16(0); i < count; i++ {
		p := base
		p.WorkerIndex = i

		switch policy {
		case worker.MultiplexShared, worker.MultiplexSharded:
			p.SocketOptions.Reuseport = true
		default: // MultiplexIndividual
			if p.LocalPort != 0 {
				p.LocalPort += i
			}
			if p.Mode == worker.ModeSender && p.PeerPort != 0 {
				p.PeerPort += i
			}
		}
		plans = append(plans, Plan{Parameter: p})
	}
	return plans
}
