// Package stats implements the Statistic addition monoid: the per-interval
// measurement snapshot each worker emits, and the rule for combining two
// snapshots (interval roll-up within one worker, or cross-worker
// aggregation at the orchestrator) into one.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package stats

import "time"

// UringMaxRingSize and UringBufferSizeMultiplicator size the two
// utilization histograms below.
const (
	UringMaxRingSize             = 2048
	UringBufferSizeMultiplicator = 4
)

// Statistic is one worker's (or one combined set of workers') measurement
// snapshot. Combining two Statistics is a monoid operation via Add: sum
// counters, average derived rate/loss with zero-value guards, left-bias
// non-zero TestDuration, and elementwise-sum the utilization histograms.
type Statistic struct {
	RunID       string
	WorkerIndex uint16

	TestDuration time.Duration

	TotalDataGByte            float64
	AmountDatagrams           uint64
	AmountDataBytes           uint64
	AmountReorderedDatagrams  uint64
	AmountDuplicatedDatagrams uint64
	AmountOmittedDatagrams    int64
	AmountSyscalls            uint64
	AmountIOModelCalls        uint64

	DataRateGbit float64
	PacketLoss   float64

	UringCanceledMultishot     uint64
	UringCQUtilization         []uint64
	UringInflightUtilization   []uint64
}

// New returns a zeroed Statistic with its utilization histograms
// pre-sized, ready to accumulate a worker's measurements.
func New(runID string, workerIndex uint16) Statistic {
	return Statistic{
		RunID:                    runID,
		WorkerIndex:              workerIndex,
		UringCQUtilization:       make([]uint64, UringMaxRingSize*2),
		UringInflightUtilization: make([]uint64, UringMaxRingSize*UringBufferSizeMultiplicator),
	}
}

// Calculate derives TotalDataGByte, DataRateGbit, and PacketLoss from the
// raw counters, matching the original implementation's calculate_statistics.
func (s *Statistic) Calculate() {
	s.TotalDataGByte = float64(s.AmountDataBytes) / 1024.0 / 1024.0 / 1024.0
	if elapsed := s.TestDuration.Seconds(); elapsed > 0 {
		s.DataRateGbit = (s.TotalDataGByte / elapsed) * 8.0
	} else {
		s.DataRateGbit = 0
	}
	if s.AmountDatagrams > 0 {
		s.PacketLoss = (float64(s.AmountOmittedDatagrams) / float64(s.AmountDatagrams)) * 100.0
	} else {
		s.PacketLoss = 0
	}
}

// Add combines s with other per the addition monoid: counters sum,
// DataRateGbit and PacketLoss average (falling back to whichever side is
// non-zero when the other is exactly zero, to avoid treating an untouched
// identity element as a real zero-rate measurement), TestDuration is
// left-biased whenever s's duration is non-zero, and the utilization
// histograms sum elementwise. RunID and WorkerIndex carry over from s,
// under the assumption both operands describe the same run.
func (s Statistic) Add(other Statistic) Statistic {
	dataRate := averageOrFallback(s.DataRateGbit, other.DataRateGbit)
	packetLoss := averageOrFallback(s.PacketLoss, other.PacketLoss)

	testDuration := other.TestDuration
	if s.TestDuration.Seconds() != 0 {
		testDuration = s.TestDuration
	}

	cq := sumHistograms(s.UringCQUtilization, other.UringCQUtilization)
	inflight := sumHistograms(s.UringInflightUtilization, other.UringInflightUtilization)

	return Statistic{
		RunID:                     s.RunID,
		WorkerIndex:               s.WorkerIndex,
		TestDuration:              testDuration,
		TotalDataGByte:            s.TotalDataGByte + other.TotalDataGByte,
		AmountDatagrams:           s.AmountDatagrams + other.AmountDatagrams,
		AmountDataBytes:           s.AmountDataBytes + other.AmountDataBytes,
		AmountReorderedDatagrams:  s.AmountReorderedDatagrams + other.AmountReorderedDatagrams,
		AmountDuplicatedDatagrams: s.AmountDuplicatedDatagrams + other.AmountDuplicatedDatagrams,
		AmountOmittedDatagrams:    s.AmountOmittedDatagrams + other.AmountOmittedDatagrams,
		AmountSyscalls:            s.AmountSyscalls + other.AmountSyscalls,
		AmountIOModelCalls:        s.AmountIOModelCalls + other.AmountIOModelCalls,
		DataRateGbit:              dataRate,
		PacketLoss:                packetLoss,
		UringCanceledMultishot:    s.UringCanceledMultishot + other.UringCanceledMultishot,
		UringCQUtilization:        cq,
		UringInflightUtilization:  inflight,
	}
}

func averageOrFallback(a, b float64) float64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	default:
		return (a + b) / 2.0
	}
}

func sumHistograms(a, b []uint64) []uint64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		var av, bv uint64
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		out[i] = av + bv
	}
	return out
}
