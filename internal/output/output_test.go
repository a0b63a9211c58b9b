package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nperf-go/nperf/internal/stats"
)

func sampleStatistic() stats.Statistic {
	s := stats.New("run-1", 0)
	s.TestDuration = 5 * time.Second
	s.AmountDatagrams = 100
	s.AmountDataBytes = 1 << 20
	s.AmountReorderedDatagrams = 1
	s.AmountDuplicatedDatagrams = 2
	s.AmountOmittedDatagrams = 3
	s.AmountSyscalls = 10
	s.AmountIOModelCalls = 5
	s.UringCanceledMultishot = 7
	s.UringCQUtilization = []uint64{0, 1, 4, 0}
	s.UringInflightUtilization = []uint64{0, 1, 2}
	s.Calculate()
	return s
}

func TestTextSinkWritesExpectedLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTextSink(&buf)
	sink.ShowUringDetail = true
	require.NoError(t, sink.Write(sampleStatistic()))

	out := buf.String()
	require.Contains(t, out, "Total time: 5.00s")
	require.Contains(t, out, "Amount of datagrams: 100")
	require.Contains(t, out, "Uring canceled multishot: 7")
	require.Contains(t, out, "CQ[2]: 4")
	require.NotContains(t, out, "CQ[1]: 1")
	require.NotContains(t, out, "CQ[0]: 0")
}

func TestTextSinkOmitsUringDetailByDefault(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTextSink(&buf)
	require.NoError(t, sink.Write(sampleStatistic()))
	require.NotContains(t, buf.String(), "Uring canceled multishot")
}

func TestJSONSinkProducesValidArray(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONSink(&buf)
	require.NoError(t, sink.Write(sampleStatistic()))
	require.NoError(t, sink.Write(sampleStatistic()))
	require.NoError(t, sink.Close())

	var entries []stats.Statistic
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	require.Len(t, entries, 2)
	require.Equal(t, uint64(100), entries[0].AmountDatagrams)
}

func TestJSONSinkEmptyProducesEmptyArray(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONSink(&buf)
	require.NoError(t, sink.Close())
	require.Equal(t, "[]\n", buf.String())
}

func TestCSVSinkWritesHeaderOnceThenRows(t *testing.T) {
	var buf bytes.Buffer
	sink := NewCSVSink(&buf)
	require.NoError(t, sink.Write(sampleStatistic()))
	require.NoError(t, sink.Write(sampleStatistic()))

	r := csv.NewReader(strings.NewReader(buf.String()))
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "run_id", records[0][0])
	require.Equal(t, "run-1", records[1][0])
	require.Equal(t, "100", records[1][4])
}

func TestPrometheusSinkSetsGaugeValues(t *testing.T) {
	sink := NewPrometheusSink()
	require.NoError(t, sink.Write(sampleStatistic()))
	require.NotNil(t, sink.Handler())
}
