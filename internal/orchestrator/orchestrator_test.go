package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nperf-go/nperf/internal/stats"
	"github.com/nperf-go/nperf/internal/worker"
)

func TestPlanWorkersIndividualOffsetsPorts(t *testing.T) {
	base := worker.Parameter{
		Mode:              worker.ModeSender,
		LocalPort:         5000,
		PeerPort:          6000,
		MultiplexSender:   worker.MultiplexIndividual,
		MultiplexReceiver: worker.MultiplexIndividual,
	}
	plans := PlanWorkers(base, 3)
	require.Len(t, plans, 3)
	for i, p := range plans {
		require.Equal(t, uint16(i), p.Parameter.WorkerIndex)
		require.Equal(t, uint16(5000+i), p.Parameter.LocalPort)
		require.Equal(t, uint16(6000+i), p.Parameter.PeerPort)
		require.False(t, p.Parameter.SocketOptions.Reuseport)
	}
}

func TestPlanWorkersSharedSetsReuseportAndFixedPort(t *testing.T) {
	base := worker.Parameter{
		Mode:              worker.ModeReceiver,
		LocalPort:         5000,
		MultiplexSender:   worker.MultiplexShared,
		MultiplexReceiver: worker.MultiplexShared,
	}
	plans := PlanWorkers(base, 2)
	require.Len(t, plans, 2)
	for _, p := range plans {
		require.Equal(t, uint16(5000), p.Parameter.LocalPort)
		require.True(t, p.Parameter.SocketOptions.Reuseport)
	}
}

func TestAggregateSumsSuccessfulOutcomesAndSkipsErrors(t *testing.T) {
	outcomes := []WorkerOutcome{
		{WorkerIndex: 0, Result: worker.Result{Final: stats.Statistic{AmountDatagrams: 10}}},
		{WorkerIndex: 1, Result: worker.Result{Final: stats.Statistic{AmountDatagrams: 20}}},
		{WorkerIndex: 2, Result: worker.Result{Err: errors.New("boom")}},
	}
	merged, errs := Aggregate(outcomes)
	require.Equal(t, uint64(30), merged.AmountDatagrams)
	require.Len(t, errs, 1)
}

func TestAggregateAllErroredReturnsZeroStatisticAndAllErrors(t *testing.T) {
	outcomes := []WorkerOutcome{
		{WorkerIndex: 0, Result: worker.Result{Err: errors.New("a")}},
		{WorkerIndex: 1, Result: worker.Result{Err: errors.New("b")}},
	}
	merged, errs := Aggregate(outcomes)
	require.Equal(t, uint64(0), merged.AmountDatagrams)
	require.Len(t, errs, 2)
}

func TestRunReturnsPromptlyWhenWorkersFailFast(t *testing.T) {
	// Not exercising the real timeout (120s) in a unit test; this only
	// checks that Run returns promptly when every worker fails fast
	// (bad peer address) well inside the floor.
	plans := []Plan{
		{Parameter: worker.Parameter{
			Mode:         worker.ModeSender,
			TestDuration: time.Millisecond,
			PeerPort:     0,
		}},
	}
	start := time.Now()
	outcomes := Run(plans, nil)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Result.Err)
}
