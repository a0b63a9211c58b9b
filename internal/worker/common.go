package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nperf-go/nperf/control"
	"github.com/nperf-go/nperf/internal/socket"
	"github.com/nperf-go/nperf/internal/stats"
)

// Result is what a worker goroutine returns on its single-producer/
// single-consumer channel when it terminates (spec.md §5).
type Result struct {
	Final     stats.Statistic
	Intervals []stats.Statistic
	Err       error
}

// intervalClock tracks the worker's periodic roll-up boundary: the elapsed
// time since the last snapshot is compared against Parameter.Interval, and
// a snapshot whose TestDuration is that elapsed time is pushed once it
// reaches the interval. A zero Interval means
// "report only the final statistic" (no intermediate roll-up).
type intervalClock struct {
	interval  time.Duration
	lastTick  time.Time
	intervals []stats.Statistic
}

func newIntervalClock(interval time.Duration, now time.Time) *intervalClock {
	return &intervalClock{interval: interval, lastTick: now}
}

// maybeTick snapshots current into the interval list and resets it to a
// fresh zero Statistic if interval has elapsed since the last tick. When
// registry is non-nil, the snapshot is also published under this
// worker's key so an external reader (e.g. a debug/metrics HTTP route)
// can observe progress without waiting for the run to finish.
func (c *intervalClock) maybeTick(current *stats.Statistic, now time.Time, runID string, workerIndex uint16, registry *control.MetricsRegistry) bool {
	if c.interval <= 0 || now.Sub(c.lastTick) < c.interval {
		return false
	}
	snap := *current
	snap.TestDuration = now.Sub(c.lastTick)
	snap.Calculate()
	c.intervals = append(c.intervals, snap)
	publishSnapshot(registry, workerIndex, snap)
	*current = stats.New(runID, workerIndex)
	c.lastTick = now
	return true
}

// publishSnapshot sets the registry's per-worker interval key to snap,
// a no-op when registry is nil (metrics publishing is optional).
func publishSnapshot(registry *control.MetricsRegistry, workerIndex uint16, snap stats.Statistic) {
	publishKeyed(registry, workerIndex, "interval", snap)
}

// publishFinal records a worker's terminal statistic under its own key,
// distinct from the rolling interval key, so a debug probe can report
// both "still running, here's the latest interval" and "this worker's
// final tally" without one overwriting the other.
func publishFinal(registry *control.MetricsRegistry, workerIndex uint16, final stats.Statistic) {
	publishKeyed(registry, workerIndex, "final", final)
}

func publishKeyed(registry *control.MetricsRegistry, workerIndex uint16, kind string, snap stats.Statistic) {
	if registry == nil {
		return
	}
	registry.Set(fmt.Sprintf("worker.%d.%s", workerIndex, kind), snap)
}

// ioWait blocks the calling worker until the socket is ready (or a
// timeout elapses), per the configured IOModel. IOBusy returns
// immediately, spinning the caller back into its syscall retry. timedOut
// reports whether the wait elapsed with no event (always false for IOBusy,
// which never blocks).
func ioWait(sock *socket.Socket, model IOModel, wantRead, wantWrite bool, timeout time.Duration) (timedOut bool, err error) {
	switch model {
	case IOSelect:
		r, err := sock.Select(wantRead, wantWrite, timeout)
		return r.Timeout, err
	case IOPoll:
		var events int16
		if wantRead {
			events |= 0x1 // POLLIN
		}
		if wantWrite {
			events |= 0x4 // POLLOUT
		}
		r, err := sock.Poll(events, timeout)
		return r.Timeout, err
	default:
		return false, nil
	}
}

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
