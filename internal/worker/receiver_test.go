package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nperf-go/nperf/internal/accounting"
	"github.com/nperf-go/nperf/internal/stats"
	"github.com/nperf-go/nperf/internal/wire"
)

func newTestReceiver() *Receiver {
	return &Receiver{
		param:    Parameter{RunID: "run", WorkerIndex: 1},
		registry: accounting.NewRegistry(),
		current:  stats.New("run", 1),
		clock:    newIntervalClock(0, time.Now()),
	}
}

func TestReceiverAllTerminatedFalseUntilEverySlotSeesLast(t *testing.T) {
	r := newTestReceiver()
	r.registry.Dispatch(wire.Header{Type: wire.TypeInit, StreamID: 0}, time.Now())
	r.registry.Dispatch(wire.Header{Type: wire.TypeInit, StreamID: 1}, time.Now())

	require.False(t, r.allTerminated())

	r.registry.Slot(0).MarkLast(time.Now())
	require.False(t, r.allTerminated())

	r.registry.Slot(1).MarkLast(time.Now())
	require.True(t, r.allTerminated())
}

func TestReceiverAllTerminatedTrueWhenNoStreamsSeen(t *testing.T) {
	r := newTestReceiver()
	require.True(t, r.allTerminated())
}

func TestReceiverDispatchCreditsDatagramDelta(t *testing.T) {
	r := newTestReceiver()

	buf := make([]byte, wire.HeaderSize)
	h := wire.Header{Type: wire.TypeMeasurement, StreamID: 7, Sequence: 0}
	require.NoError(t, h.Serialize(buf))

	r.dispatch(buf, 0)

	require.Equal(t, uint64(1), r.current.AmountDatagrams)
	require.NotNil(t, r.registry.Slot(7))
}

func TestReceiverDispatchMarksLastWithControlWaitOffset(t *testing.T) {
	r := newTestReceiver()

	buf := make([]byte, wire.HeaderSize)
	h := wire.Header{Type: wire.TypeLast, StreamID: 2, Sequence: 0}
	require.NoError(t, h.Serialize(buf))

	before := time.Now()
	r.dispatch(buf, 0)

	slot := r.registry.Slot(2)
	require.True(t, slot.Terminated)
	require.True(t, slot.EndTime.Before(before))
}

func TestReceiverFoldFinalFallsBackToCurrentWhenNoIntervals(t *testing.T) {
	r := newTestReceiver()
	r.current.AmountDatagrams = 5

	final := r.foldFinal(time.Now(), time.Now().Add(time.Second))

	require.Equal(t, uint64(5), final.AmountDatagrams)
}
