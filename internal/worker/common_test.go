package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nperf-go/nperf/control"
	"github.com/nperf-go/nperf/internal/stats"
)

func TestIntervalClockNoTickBeforeIntervalElapses(t *testing.T) {
	start := time.Now()
	c := newIntervalClock(time.Second, start)
	cur := stats.New("run", 0)
	cur.AmountDatagrams = 10

	ticked := c.maybeTick(&cur, start.Add(500*time.Millisecond), "run", 0, nil)

	require.False(t, ticked)
	require.Empty(t, c.intervals)
	require.Equal(t, uint64(10), cur.AmountDatagrams)
}

func TestIntervalClockTicksAndResetsCurrent(t *testing.T) {
	start := time.Now()
	c := newIntervalClock(time.Second, start)
	cur := stats.New("run", 3)
	cur.AmountDatagrams = 100
	cur.AmountDataBytes = 5000

	ticked := c.maybeTick(&cur, start.Add(2*time.Second), "run", 3, nil)

	require.True(t, ticked)
	require.Len(t, c.intervals, 1)
	require.Equal(t, uint64(100), c.intervals[0].AmountDatagrams)
	require.Equal(t, uint64(0), cur.AmountDatagrams)
	require.Equal(t, uint16(3), cur.WorkerIndex)
}

func TestIntervalClockZeroIntervalNeverTicks(t *testing.T) {
	start := time.Now()
	c := newIntervalClock(0, start)
	cur := stats.New("run", 0)

	ticked := c.maybeTick(&cur, start.Add(time.Hour), "run", 0, nil)

	require.False(t, ticked)
	require.Empty(t, c.intervals)
}

func TestIntervalClockTickPublishesToMetricsRegistry(t *testing.T) {
	start := time.Now()
	c := newIntervalClock(time.Second, start)
	cur := stats.New("run", 3)
	cur.AmountDatagrams = 42
	registry := control.NewMetricsRegistry()

	c.maybeTick(&cur, start.Add(2*time.Second), "run", 3, registry)

	snap := registry.GetSnapshot()
	published, ok := snap["worker.3.interval"].(stats.Statistic)
	require.True(t, ok)
	require.Equal(t, uint64(42), published.AmountDatagrams)
}

func TestIoWaitBusyNeverBlocksOrTimesOut(t *testing.T) {
	timedOut, err := ioWait(nil, IOBusy, true, false, time.Millisecond)

	require.NoError(t, err)
	require.False(t, timedOut)
}

func TestDefaultLoggerFallsBackWhenNil(t *testing.T) {
	require.NotNil(t, defaultLogger(nil))
}
