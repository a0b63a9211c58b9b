package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sample(runID string, idx uint16, datagrams, bytes uint64, rate, loss float64, dur time.Duration) Statistic {
	s := New(runID, idx)
	s.AmountDatagrams = datagrams
	s.AmountDataBytes = bytes
	s.DataRateGbit = rate
	s.PacketLoss = loss
	s.TestDuration = dur
	return s
}

func TestAddIsIdentityWithZeroValue(t *testing.T) {
	a := sample("run1", 0, 100, 1500, 2.5, 1.0, 5*time.Second)
	identity := New("run1", 0)

	got := a.Add(identity)
	require.Equal(t, a.AmountDatagrams, got.AmountDatagrams)
	require.Equal(t, a.AmountDataBytes, got.AmountDataBytes)
	require.Equal(t, a.DataRateGbit, got.DataRateGbit)
	require.Equal(t, a.PacketLoss, got.PacketLoss)
	require.Equal(t, a.TestDuration, got.TestDuration)
}

func TestAddSumsCounters(t *testing.T) {
	a := sample("run1", 0, 100, 1500, 0, 0, 0)
	b := sample("run1", 0, 50, 750, 0, 0, 0)
	got := a.Add(b)
	require.Equal(t, uint64(150), got.AmountDatagrams)
	require.Equal(t, uint64(2250), got.AmountDataBytes)
}

func TestAddAveragesNonZeroRateAndLoss(t *testing.T) {
	a := sample("run1", 0, 0, 0, 4.0, 2.0, 0)
	b := sample("run1", 0, 0, 0, 6.0, 4.0, 0)
	got := a.Add(b)
	require.InDelta(t, 5.0, got.DataRateGbit, 1e-9)
	require.InDelta(t, 3.0, got.PacketLoss, 1e-9)
}

func TestAddLeftBiasesNonZeroDuration(t *testing.T) {
	a := sample("run1", 0, 0, 0, 0, 0, 10*time.Second)
	b := sample("run1", 0, 0, 0, 0, 0, 20*time.Second)
	got := a.Add(b)
	require.Equal(t, 10*time.Second, got.TestDuration)

	empty := New("run1", 0)
	got2 := empty.Add(b)
	require.Equal(t, 20*time.Second, got2.TestDuration)
}

func TestAddIsAssociativeOverCounters(t *testing.T) {
	a := sample("run1", 0, 10, 100, 1.0, 1.0, 10*time.Second)
	b := sample("run1", 0, 20, 200, 0, 0, 0)
	c := sample("run1", 0, 30, 300, 0, 0, 0)

	left := a.Add(b).Add(c)
	right := a.Add(b.Add(c))

	require.Equal(t, left.AmountDatagrams, right.AmountDatagrams)
	require.Equal(t, left.AmountDataBytes, right.AmountDataBytes)
	require.Equal(t, left.TestDuration, right.TestDuration)
}

func TestCalculateDerivesFromRawCounters(t *testing.T) {
	s := New("run1", 0)
	s.AmountDataBytes = 1 << 30 // 1 GiB
	s.AmountDatagrams = 100
	s.AmountOmittedDatagrams = 5
	s.TestDuration = 2 * time.Second

	s.Calculate()
	require.InDelta(t, 1.0, s.TotalDataGByte, 1e-6)
	require.InDelta(t, 4.0, s.DataRateGbit, 1e-6)
	require.InDelta(t, 5.0, s.PacketLoss, 1e-9)
}

func TestCalculateHandlesZeroDuration(t *testing.T) {
	s := New("run1", 0)
	s.Calculate()
	require.Zero(t, s.DataRateGbit)
	require.Zero(t, s.PacketLoss)
}
