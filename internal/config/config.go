// Package config parses CLI flags into a validated worker.Parameter,
// grounded on ja7ad-consumption's cmd/consumption/main.go flag-struct +
// cobra/pflag pattern, the only CLI-framework usage in the retrieval pack.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/pflag"

	"github.com/nperf-go/nperf/control"
	"github.com/nperf-go/nperf/internal/socket"
	"github.com/nperf-go/nperf/internal/uring"
	"github.com/nperf-go/nperf/internal/wire"
	"github.com/nperf-go/nperf/internal/worker"
)

// Config holds every flag a send/receive invocation accepts, in the raw
// string/scalar shape pflag binds to, before validation and translation
// into a worker.Parameter.
type Config struct {
	RunID string

	Host      string
	Port      uint16
	BindHost  string
	BindPort  uint16

	Exchange string // one, msg, mmsg
	IOModel  string // busy, select, poll, uring
	AsyncMode string // normal, provided-buffer, multishot, zerocopy

	DatagramSize     int
	SegmentationSize int
	BatchWidth       int

	RingCapacity    uint32
	SubmissionBatch uint32
	SQFillPolicy    string // topup, burst, syscall
	SQPoll          bool
	SQPollCPU       int

	Multiplex       string // individual, shared, sharded
	Workers         uint16
	PacingRate      uint64
	PinCPU          int

	Reuseport   bool
	Nonblocking bool
	NoFragment  bool
	GSOSize     uint32
	GRO         bool
	SendBufSize uint32
	RecvBufSize uint32

	MetricsAddr string

	durationParsed time.Duration
	intervalParsed time.Duration
}

// RegisterFlags binds every Config field onto fs, each with its default
// value.
func RegisterFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.RunID, "run-id", "", "correlation id for this run (default: generated)")

	fs.StringVar(&c.Host, "host", "", "peer address (sender only)")
	fs.Uint16Var(&c.Port, "port", 0, "peer/listen port")
	fs.StringVar(&c.BindHost, "bind", "0.0.0.0", "local bind address")
	fs.Uint16Var(&c.BindPort, "bind-port", 0, "local bind port (sender: optional fixed source port)")

	fs.StringVar(&c.Exchange, "exchange", "one", "datagram exchange primitive: one, msg, mmsg")
	fs.StringVar(&c.IOModel, "io-model", "busy", "I/O readiness model: busy, select, poll, uring")
	fs.StringVar(&c.AsyncMode, "async-mode", "normal", "io_uring sub-mode: normal, provided-buffer, multishot, zerocopy")

	fs.IntVar(&c.DatagramSize, "datagram-size", 1024, "bytes per wire datagram")
	fs.IntVar(&c.SegmentationSize, "segmentation-size", 1024, "bytes per GSO/GRO segmentation aggregate")
	fs.IntVar(&c.BatchWidth, "batch-width", 1, "sync exchange batch width (mmsg)")

	fs.DurationVar(&c.durationParsed, "duration", 10*time.Second, "test duration")
	fs.DurationVar(&c.intervalParsed, "interval", 0, "interval reporting period (0 disables)")

	fs.Uint32Var(&c.RingCapacity, "ring-capacity", 256, "io_uring SQ/CQ capacity (power of two, <= 2048)")
	fs.Uint32Var(&c.SubmissionBatch, "submission-batch", 32, "io_uring submission burst size")
	fs.StringVar(&c.SQFillPolicy, "sq-fill", "topup", "io_uring SQ fill policy: topup, burst, syscall")
	fs.BoolVar(&c.SQPoll, "sqpoll", false, "enable IORING_SETUP_SQPOLL")
	fs.IntVar(&c.SQPollCPU, "sqpoll-cpu", -1, "CPU to pin the SQPOLL kernel thread to (-1: kernel choice)")

	fs.StringVar(&c.Multiplex, "multiplex", "individual", "port-sharing policy: individual, shared, sharded")
	fs.Uint16Var(&c.Workers, "workers", 1, "number of logical workers to spawn")
	fs.Uint64Var(&c.PacingRate, "pacing-rate", 0, "SO_MAX_PACING_RATE in bytes/s (0: unpaced, sender only)")
	fs.IntVar(&c.PinCPU, "pin-cpu", -1, "pin this worker's hot loop to a logical CPU (-1: no pin)")

	fs.BoolVar(&c.Reuseport, "reuseport", false, "set SO_REUSEPORT")
	fs.BoolVar(&c.Nonblocking, "nonblocking", true, "set O_NONBLOCK")
	fs.BoolVar(&c.NoFragment, "no-fragment", false, "set IP_MTU_DISCOVER=IP_PMTUDISC_DO")
	fs.Uint32Var(&c.GSOSize, "gso-size", 0, "UDP_SEGMENT size (0 disables GSO)")
	fs.BoolVar(&c.GRO, "gro", false, "enable UDP_GRO")
	fs.Uint32Var(&c.SendBufSize, "sndbuf", 0, "SO_SNDBUF size (0: kernel default)")
	fs.Uint32Var(&c.RecvBufSize, "rcvbuf", 0, "SO_RCVBUF size (0: kernel default)")

	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "expose a Prometheus /metrics endpoint on this address (empty disables)")
}

// Validate enforces spec.md §7's configuration-error class: every check
// here runs before any socket is created.
func (c *Config) Validate() error {
	if c.DatagramSize <= 0 || c.DatagramSize > wire.MaxDatagramSize {
		return fmt.Errorf("config: datagram-size must be in (0, %d], got %d", wire.MaxDatagramSize, c.DatagramSize)
	}
	if c.SegmentationSize < c.DatagramSize {
		return fmt.Errorf("config: segmentation-size (%d) must be >= datagram-size (%d)", c.SegmentationSize, c.DatagramSize)
	}
	if c.BatchWidth <= 0 {
		return fmt.Errorf("config: batch-width must be > 0, got %d", c.BatchWidth)
	}
	if c.Workers == 0 {
		return fmt.Errorf("config: workers must be > 0")
	}
	if c.durationParsed <= 0 {
		return fmt.Errorf("config: duration must be > 0")
	}
	if c.intervalParsed > 0 && c.durationParsed%c.intervalParsed != 0 {
		return fmt.Errorf("config: interval (%s) must evenly divide duration (%s)", c.intervalParsed, c.durationParsed)
	}
	if c.IOModel == "uring" {
		if c.RingCapacity == 0 || c.RingCapacity&(c.RingCapacity-1) != 0 {
			return fmt.Errorf("config: ring-capacity must be a power of two, got %d", c.RingCapacity)
		}
		if c.RingCapacity > 2048 {
			return fmt.Errorf("config: ring-capacity must be <= 2048, got %d", c.RingCapacity)
		}
		if c.SubmissionBatch > c.RingCapacity {
			return fmt.Errorf("config: submission-batch (%d) must be <= ring-capacity (%d)", c.SubmissionBatch, c.RingCapacity)
		}
	}
	if _, err := parseExchange(c.Exchange); err != nil {
		return err
	}
	if _, err := parseIOModel(c.IOModel); err != nil {
		return err
	}
	if _, err := parseAsyncMode(c.AsyncMode); err != nil {
		return err
	}
	if _, err := parseFillPolicy(c.SQFillPolicy); err != nil {
		return err
	}
	if _, err := parseMultiplex(c.Multiplex); err != nil {
		return err
	}
	if c.Host == "" && c.BindHost == "" {
		return fmt.Errorf("config: one of --host or --bind must be set")
	}
	if c.IOModel == "uring" && c.AsyncMode == "provided-buffer" && c.GRO {
		return fmt.Errorf("config: --async-mode=provided-buffer does not carry GRO's segmentation cmsg through the kernel's buffer-selected recvmsg path; use --async-mode=normal or --async-mode=multishot with --gro")
	}
	return nil
}

func parseExchange(s string) (worker.ExchangePrimitive, error) {
	switch s {
	case "one":
		return worker.ExchangeOne, nil
	case "msg":
		return worker.ExchangeMsg, nil
	case "mmsg":
		return worker.ExchangeMmsg, nil
	default:
		return 0, fmt.Errorf("config: unknown exchange primitive %q (want one, msg, mmsg)", s)
	}
}

func parseIOModel(s string) (worker.IOModel, error) {
	switch s {
	case "busy":
		return worker.IOBusy, nil
	case "select":
		return worker.IOSelect, nil
	case "poll":
		return worker.IOPoll, nil
	case "uring":
		return worker.IOAsyncRing, nil
	default:
		return 0, fmt.Errorf("config: unknown io-model %q (want busy, select, poll, uring)", s)
	}
}

func parseAsyncMode(s string) (uring.SubMode, error) {
	switch s {
	case "normal":
		return uring.ModeNormal, nil
	case "provided-buffer":
		return uring.ModeProvidedBuffer, nil
	case "multishot":
		return uring.ModeMultishot, nil
	case "zerocopy":
		return uring.ModeZeroCopySend, nil
	default:
		return 0, fmt.Errorf("config: unknown async-mode %q (want normal, provided-buffer, multishot, zerocopy)", s)
	}
}

func parseFillPolicy(s string) (uring.FillMode, error) {
	switch s {
	case "topup":
		return uring.FillTopup, nil
	case "burst":
		return uring.FillBurst, nil
	case "syscall":
		return uring.FillSyscall, nil
	default:
		return 0, fmt.Errorf("config: unknown sq-fill policy %q (want topup, burst, syscall)", s)
	}
}

func parseMultiplex(s string) (worker.MultiplexPolicy, error) {
	switch s {
	case "individual":
		return worker.MultiplexIndividual, nil
	case "shared":
		return worker.MultiplexShared, nil
	case "sharded":
		return worker.MultiplexSharded, nil
	default:
		return 0, fmt.Errorf("config: unknown multiplex policy %q (want individual, shared, sharded)", s)
	}
}

// ToParameter validates c and translates it into a worker.Parameter for
// the given mode/worker-index, generating a RunID via xid if none was
// supplied and wiring fresh control.MetricsRegistry/ConfigStore instances.
func (c *Config) ToParameter(mode worker.TransportMode, workerIndex uint16) (worker.Parameter, error) {
	if err := c.Validate(); err != nil {
		return worker.Parameter{}, err
	}

	exchange, _ := parseExchange(c.Exchange)
	ioModel, _ := parseIOModel(c.IOModel)
	asyncMode, _ := parseAsyncMode(c.AsyncMode)
	fillPolicy, _ := parseFillPolicy(c.SQFillPolicy)
	multiplex, _ := parseMultiplex(c.Multiplex)

	runID := c.RunID
	if runID == "" {
		runID = xid.New().String()
	}

	var peerIP net.IP
	if c.Host != "" {
		peerIP = net.ParseIP(c.Host)
		if peerIP == nil {
			return worker.Parameter{}, fmt.Errorf("config: invalid --host %q", c.Host)
		}
	}
	localIP := net.ParseIP(c.BindHost)
	if localIP == nil {
		return worker.Parameter{}, fmt.Errorf("config: invalid --bind %q", c.BindHost)
	}

	p := worker.Parameter{
		RunID:       runID,
		WorkerIndex: workerIndex,
		Mode:        mode,

		PeerAddr:  peerIP,
		PeerPort:  c.Port,
		LocalIP:   localIP,
		LocalPort: c.BindPort,

		Exchange:     exchange,
		IOModel:      ioModel,
		AsyncSubMode: asyncMode,

		DatagramSize:     c.DatagramSize,
		SegmentationSize: c.SegmentationSize,
		BatchWidth:       c.BatchWidth,

		SocketOptions: socket.Options{
			Reuseport:   c.Reuseport,
			Nonblocking: c.Nonblocking,
			NoFragment:  c.NoFragment,
			GSOSize:     c.GSOSize,
			GRO:         c.GRO,
			PacingRate:  c.PacingRate,
			SendBufSize: c.SendBufSize,
			RecvBufSize: c.RecvBufSize,
		},

		RingCapacity:    c.RingCapacity,
		SubmissionBatch: c.SubmissionBatch,
		SQFillPolicy:    fillPolicy,
		SQPoll:          c.SQPoll,
		SQPollCPU:       c.SQPollCPU,

		TestDuration: c.durationParsed,
		Interval:     c.intervalParsed,

		MultiplexSender:   multiplex,
		MultiplexReceiver: multiplex,

		PacingRate: c.PacingRate,
		PinCPU:     c.PinCPU,

		MetricsRegistry: control.NewMetricsRegistry(),
		ConfigStore:     control.NewConfigStore(),
	}
	return p, nil
}
