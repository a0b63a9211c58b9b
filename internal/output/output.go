// Package output implements the sinks a completed run's Statistic is
// reported through: a text block grounded on the original Rust
// Statistic::print's Text branch, JSON/CSV file writers grounded on
// ja7ad-consumption's cmd/consumption file-sink pattern, and an optional
// Prometheus sink (see prometheus.go).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/nperf-go/nperf/internal/stats"
)

// Sink receives one Statistic per call — typically the final aggregate,
// and additionally each interval snapshot when interval reporting is
// enabled.
type Sink interface {
	Write(s stats.Statistic) error
}

// Closer is implemented by sinks that hold an open file or connection.
type Closer interface {
	Close() error
}

// TextSink renders a human-readable block per Statistic, matching the
// original implementation's Text output branch line-for-line.
type TextSink struct {
	w io.Writer
	// ShowUringDetail additionally prints the non-trivial (not 0 or 1)
	// entries of the CQ/inflight utilization histograms, mirroring the
	// original's io_model-gated detail section.
	ShowUringDetail bool
}

// NewTextSink returns a TextSink writing to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

func (t *TextSink) Write(s stats.Statistic) error {
	fmt.Fprintln(t.w, "------------------------")
	fmt.Fprintln(t.w, "Statistics")
	fmt.Fprintln(t.w, "------------------------")
	fmt.Fprintf(t.w, "Run: %s worker %d\n", s.RunID, s.WorkerIndex)
	fmt.Fprintf(t.w, "Total time: %.2fs\n", s.TestDuration.Seconds())
	fmt.Fprintf(t.w, "Total data: %.2f GiBytes\n", s.TotalDataGByte)
	fmt.Fprintf(t.w, "Amount of datagrams: %d\n", s.AmountDatagrams)
	fmt.Fprintf(t.w, "Amount of reordered datagrams: %d\n", s.AmountReorderedDatagrams)
	fmt.Fprintf(t.w, "Amount of duplicated datagrams: %d\n", s.AmountDuplicatedDatagrams)
	fmt.Fprintf(t.w, "Amount of omitted datagrams: %d\n", s.AmountOmittedDatagrams)
	fmt.Fprintf(t.w, "Amount of syscalls: %d\n", s.AmountSyscalls)
	fmt.Fprintf(t.w, "Amount of IO model syscalls: %d\n", s.AmountIOModelCalls)
	fmt.Fprintf(t.w, "Data rate: %.2f GiBytes/s / %.2f Gibit/s\n", s.DataRateGbit/8.0, s.DataRateGbit)
	fmt.Fprintf(t.w, "Packet loss: %.2f%%\n", s.PacketLoss)
	fmt.Fprintln(t.w, "------------------------")

	if t.ShowUringDetail {
		fmt.Fprintf(t.w, "Uring canceled multishot: %d\n", s.UringCanceledMultishot)
		fmt.Fprintln(t.w, "Uring CQ utilization:")
		printHistogram(t.w, "CQ", s.UringCQUtilization)
		printHistogram(t.w, "Inflight", s.UringInflightUtilization)
	}
	return nil
}

func printHistogram(w io.Writer, label string, h []uint64) {
	for i, v := range h {
		if v != 0 && v != 1 {
			fmt.Fprintf(w, "%s[%d]: %d\n", label, i, v)
		}
	}
}

// JSONSink streams one Statistic per Write call into a JSON array file,
// matching ja7ad-consumption's comma-joined streaming-array pattern.
type JSONSink struct {
	w       io.Writer
	wroteN  int
	started bool
}

// NewJSONSink returns a JSONSink writing a JSON array to w; the caller
// must call Close to emit the closing bracket.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

func (j *JSONSink) Write(s stats.Statistic) error {
	if !j.started {
		if _, err := io.WriteString(j.w, "[\n"); err != nil {
			return err
		}
		j.started = true
	}
	b, err := json.MarshalIndent(s, "  ", "  ")
	if err != nil {
		return err
	}
	if j.wroteN > 0 {
		if _, err := io.WriteString(j.w, ",\n"); err != nil {
			return err
		}
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	j.wroteN++
	return nil
}

// Close emits the closing bracket of the JSON array. If Write was never
// called, it emits an empty array.
func (j *JSONSink) Close() error {
	if !j.started {
		_, err := io.WriteString(j.w, "[]\n")
		return err
	}
	_, err := io.WriteString(j.w, "\n]\n")
	return err
}

var csvHeader = []string{
	"run_id", "worker_index", "test_duration_s", "total_data_gbyte",
	"amount_datagrams", "amount_data_bytes", "amount_reordered_datagrams",
	"amount_duplicated_datagrams", "amount_omitted_datagrams",
	"amount_syscalls", "amount_io_model_calls", "data_rate_gbit", "packet_loss",
	"uring_canceled_multishot",
}

// CSVSink writes one row per Write call via encoding/csv, flushing after
// every row so a tailing reader sees partial output during a long run,
// matching ja7ad-consumption's per-tick flush.
type CSVSink struct {
	w           *csv.Writer
	wroteHeader bool
}

// NewCSVSink returns a CSVSink writing to w.
func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w)}
}

func (c *CSVSink) Write(s stats.Statistic) error {
	if !c.wroteHeader {
		if err := c.w.Write(csvHeader); err != nil {
			return err
		}
		c.wroteHeader = true
	}
	row := []string{
		s.RunID,
		strconv.FormatUint(uint64(s.WorkerIndex), 10),
		strconv.FormatFloat(s.TestDuration.Seconds(), 'f', 6, 64),
		strconv.FormatFloat(s.TotalDataGByte, 'f', 6, 64),
		strconv.FormatUint(s.AmountDatagrams, 10),
		strconv.FormatUint(s.AmountDataBytes, 10),
		strconv.FormatUint(s.AmountReorderedDatagrams, 10),
		strconv.FormatUint(s.AmountDuplicatedDatagrams, 10),
		strconv.FormatInt(s.AmountOmittedDatagrams, 10),
		strconv.FormatUint(s.AmountSyscalls, 10),
		strconv.FormatUint(s.AmountIOModelCalls, 10),
		strconv.FormatFloat(s.DataRateGbit, 'f', 6, 64),
		strconv.FormatFloat(s.PacketLoss, 'f', 6, 64),
		strconv.FormatUint(s.UringCanceledMultishot, 10),
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}
