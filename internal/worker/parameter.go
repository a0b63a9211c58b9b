// Package worker implements the per-thread datapath state machine: INIT
// handshake, steady-state exchange under the configured I/O model, LAST
// handshake, drain, and final statistics. A Sender and a Receiver each own
// one socket, one buffer pool, and (for the async I/O model) one ring.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package worker

import (
	"net"
	"time"

	"github.com/nperf-go/nperf/control"
	"github.com/nperf-go/nperf/internal/socket"
	"github.com/nperf-go/nperf/internal/uring"
)

// TransportMode is which side of the exchange a worker plays.
type TransportMode int

const (
	ModeSender TransportMode = iota
	ModeReceiver
)

// ExchangePrimitive selects the synchronous datagram-exchange syscall.
type ExchangePrimitive int

const (
	ExchangeOne ExchangePrimitive = iota
	ExchangeMsg
	ExchangeMmsg
)

// IOModel selects how the worker waits for readiness between syscalls.
type IOModel int

const (
	IOBusy IOModel = iota
	IOSelect
	IOPoll
	IOAsyncRing
)

// MultiplexPolicy selects how a worker's port is shared with others.
type MultiplexPolicy int

const (
	MultiplexIndividual MultiplexPolicy = iota
	MultiplexShared
	MultiplexSharded
)

// Timing constants fixed by the protocol (spec.md §4.C6/§5).
const (
	ControlWait               = 400 * time.Millisecond
	InitialPollTimeout        = 10 * time.Second
	InMeasurementPollTimeout  = 1 * time.Second
	uringWaitBound            = 10 * time.Millisecond
)

// Parameter is a worker's complete, immutable-after-construction
// configuration, as built and validated by internal/config.
type Parameter struct {
	RunID       string
	WorkerIndex uint16

	Mode TransportMode

	PeerAddr net.IP
	PeerPort uint16
	LocalIP  net.IP
	LocalPort uint16

	Exchange ExchangePrimitive
	IOModel  IOModel
	AsyncSubMode uring.SubMode

	DatagramSize     int
	SegmentationSize int
	BatchWidth       int

	SocketOptions socket.Options

	RingCapacity     uint32
	SubmissionBatch  uint32
	SQFillPolicy     uring.FillMode
	SQPoll           bool
	SQPollShared     bool
	SQPollCPU        int

	TestDuration time.Duration
	Interval     time.Duration

	MultiplexSender   MultiplexPolicy
	MultiplexReceiver MultiplexPolicy

	PacingRate uint64 // bytes/s, sender only

	// PinCPU pins this worker's hot-loop goroutine to a specific logical
	// CPU (see internal/affinity). -1 disables pinning.
	PinCPU int

	MetricsRegistry *control.MetricsRegistry
	ConfigStore     *control.ConfigStore
}

// bufferPoolCapacity returns the descriptor-pool size for this Parameter:
// the synchronous batch width, or ring-capacity*4 for the async model (see
// internal/bufpool's capacity convention and spec.md §4.C3).
func (p Parameter) bufferPoolCapacity() int {
	if p.IOModel == IOAsyncRing {
		return int(p.RingCapacity) * 4
	}
	if p.BatchWidth > 0 {
		return p.BatchWidth
	}
	return 1
}
