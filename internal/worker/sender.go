package worker

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nperf-go/nperf/internal/affinity"
	"github.com/nperf-go/nperf/internal/bufpool"
	"github.com/nperf-go/nperf/internal/socket"
	"github.com/nperf-go/nperf/internal/stats"
	"github.com/nperf-go/nperf/internal/uring"
	"github.com/nperf-go/nperf/internal/wire"
)

// Sender drives one sending worker's state machine: INIT, steady-state
// send loop under the configured exchange primitive and I/O model, LAST,
// and final statistics (spec.md §4.C6).
type Sender struct {
	param  Parameter
	logger *slog.Logger

	sock   *socket.Socket
	pool   *bufpool.Pool
	engine *uring.Engine // nil unless param.IOModel == IOAsyncRing

	streamID       uint16
	nextSequence   uint64
	subDatagrams   int // sub-datagrams per segmentation aggregate
	current        stats.Statistic
	clock          *intervalClock
}

// NewSender constructs and connects a sending worker's socket and buffer
// pool. The caller invokes Run to execute the state machine.
func NewSender(param Parameter, logger *slog.Logger) (*Sender, error) {
	logger = defaultLogger(logger)

	sock, err := socket.New(param.PeerAddr, param.PeerPort, param.SocketOptions)
	if err != nil {
		return nil, fmt.Errorf("worker: sender: %w", err)
	}
	if param.LocalPort != 0 {
		if err := sock.BindLocal(param.LocalPort); err != nil {
			sock.Close()
			return nil, fmt.Errorf("worker: sender: bind local port: %w", err)
		}
	}
	if err := sock.Connect(); err != nil {
		sock.Close()
		return nil, fmt.Errorf("worker: sender: connect: %w", err)
	}

	pool := bufpool.New(param.bufferPoolCapacity(), param.SegmentationSize)

	subDatagrams := (param.SegmentationSize + param.DatagramSize - 1) / param.DatagramSize
	if subDatagrams < 1 {
		subDatagrams = 1
	}

	s := &Sender{
		param:        param,
		logger:       logger,
		sock:         sock,
		pool:         pool,
		streamID:     param.WorkerIndex,
		subDatagrams: subDatagrams,
		current:      stats.New(param.RunID, param.WorkerIndex),
	}

	if param.ConfigStore != nil {
		param.ConfigStore.OnReload(func() {
			s.applyConfigReload()
		})
	}

	if param.IOModel == IOAsyncRing {
		cfg := uring.Config{
			Capacity:           param.RingCapacity,
			BurstSize:          param.SubmissionBatch,
			Fill:               param.SQFillPolicy,
			Mode:               param.AsyncSubMode,
			CooperativeTaskrun: false,
			DeferredTaskrun:    false,
			SQPoll:             param.SQPoll,
			SQPollCPU:          param.SQPollCPU,
			Fd:                 sock.Fd(),
		}
		engine, err := uring.New(cfg, logger)
		if err != nil {
			sock.Close()
			return nil, fmt.Errorf("worker: sender: uring: %w", err)
		}
		s.engine = engine
	}

	return s, nil
}

// sendControlMessage transmits a header-only INIT/LAST datagram.
func (s *Sender) sendControlMessage(typ wire.MessageType) error {
	buf := make([]byte, wire.HeaderSize)
	h := wire.Header{Type: typ, StreamID: s.streamID, Sequence: 0}
	if err := h.Serialize(buf); err != nil {
		return err
	}
	_, err := s.sock.Send(buf)
	return err
}

// applyConfigReload re-reads the sender's ConfigStore snapshot and applies
// any "pacing_rate" it finds to the live socket, letting an operator retune
// SO_MAX_PACING_RATE mid-run without restarting the worker.
func (s *Sender) applyConfigReload() {
	snap := s.param.ConfigStore.GetSnapshot()
	raw, ok := snap["pacing_rate"]
	if !ok {
		return
	}
	rate, ok := raw.(uint64)
	if !ok {
		s.logger.Warn("worker: sender: config reload: pacing_rate has the wrong type", "value", raw)
		return
	}
	if err := s.sock.SetPacingRate(rate); err != nil {
		s.logger.Warn("worker: sender: config reload: setting pacing rate failed", "rate", rate, "error", err)
		return
	}
	s.logger.Info("worker: sender: config reload: pacing rate updated", "rate", rate)
}

// Run executes the full sender state machine and returns the final and
// per-interval statistics.
func (s *Sender) Run() Result {
	if s.param.PinCPU >= 0 {
		if err := affinity.Pin(s.param.PinCPU); err != nil {
			s.logger.Warn("worker: sender: cpu pin failed", "cpu", s.param.PinCPU, "error", err)
		}
	}

	if err := s.sendControlMessage(wire.TypeInit); err != nil {
		return Result{Err: fmt.Errorf("worker: sender: INIT: %w", err)}
	}
	time.Sleep(ControlWait)

	start := time.Now()
	s.clock = newIntervalClock(s.param.Interval, start)

	var err error
	if s.param.IOModel == IOAsyncRing {
		err = s.runAsyncLoop(start)
	} else {
		err = s.runSyncLoop(start)
	}
	if err != nil {
		return Result{Err: err}
	}

	// flush a final partial interval
	now := time.Now()
	if s.param.Interval > 0 {
		s.clock.maybeTick(&s.current, now.Add(s.param.Interval), s.param.RunID, s.param.WorkerIndex, s.param.MetricsRegistry)
	}

	final := s.foldFinal(start, now)
	publishFinal(s.param.MetricsRegistry, s.param.WorkerIndex, final)

	time.Sleep(ControlWait)
	if err := s.sendControlMessage(wire.TypeLast); err != nil {
		return Result{Final: final, Intervals: s.clock.intervals, Err: fmt.Errorf("worker: sender: LAST: %w", err)}
	}

	return Result{Final: final, Intervals: s.clock.intervals}
}

func (s *Sender) foldFinal(start, end time.Time) stats.Statistic {
	var final stats.Statistic
	if len(s.clock.intervals) == 0 {
		final = s.current
	} else {
		final = s.clock.intervals[0]
		for _, in := range s.clock.intervals[1:] {
			final = final.Add(in)
		}
	}
	final.TestDuration = end.Sub(start)
	final.Calculate()
	return final
}

func (s *Sender) runSyncLoop(start time.Time) error {
	for time.Since(start) < s.param.TestDuration {
		s.clock.maybeTick(&s.current, time.Now(), s.param.RunID, s.param.WorkerIndex, s.param.MetricsRegistry)

		var err error
		switch s.param.Exchange {
		case ExchangeOne:
			err = s.sendOne()
		case ExchangeMsg:
			err = s.sendMsg()
		case ExchangeMmsg:
			err = s.sendMmsg()
		}
		s.current.AmountSyscalls++

		if err == nil {
			continue
		}
		serr, ok := err.(*socket.Error)
		if !ok {
			return err
		}
		switch serr.Kind {
		case socket.KindWouldBlock:
			s.current.AmountIOModelCalls++
			if _, waitErr := ioWait(s.sock, s.param.IOModel, false, true, InMeasurementPollTimeout); waitErr != nil {
				return waitErr
			}
		case socket.KindPeerUnreachable:
			return fmt.Errorf("worker: sender: start the receiver first: %w", serr)
		default:
			return serr
		}
	}
	return nil
}

func (s *Sender) sendOne() error {
	d, err := s.pool.Acquire()
	if err != nil {
		return err
	}
	defer s.pool.Release(d.Index())

	wire.FillPattern(d.Payload)
	count, err := wire.StampAggregate(d.Payload, s.param.DatagramSize, wire.TypeMeasurement, s.streamID, s.nextSequence)
	if err != nil {
		return err
	}

	n, err := s.sock.Send(d.Payload)
	if err != nil {
		return err
	}
	s.nextSequence += uint64(count)
	s.current.AmountDatagrams += uint64(count)
	s.current.AmountDataBytes += uint64(n)
	return nil
}

func (s *Sender) sendMsg() error {
	d, err := s.pool.Acquire()
	if err != nil {
		return err
	}
	defer s.pool.Release(d.Index())

	wire.FillPattern(d.Payload)
	count, err := wire.StampAggregate(d.Payload, s.param.DatagramSize, wire.TypeMeasurement, s.streamID, s.nextSequence)
	if err != nil {
		return err
	}

	n, err := s.sock.Sendmsg([][]byte{d.Payload}, nil, nil)
	if err != nil {
		return err
	}
	s.nextSequence += uint64(count)
	s.current.AmountDatagrams += uint64(count)
	s.current.AmountDataBytes += uint64(n)
	return nil
}

func (s *Sender) sendMmsg() error {
	width := s.param.BatchWidth
	if width <= 0 {
		width = 1
	}
	descs := make([]*bufpool.Descriptor, 0, width)
	defer func() {
		for _, d := range descs {
			s.pool.Release(d.Index())
		}
	}()

	msgs := make([]unix.Mmsghdr, width)
	for i := 0; i < width; i++ {
		d, err := s.pool.Acquire()
		if err != nil {
			return err
		}
		descs = append(descs, d)
		wire.FillPattern(d.Payload)
		if _, err := wire.StampAggregate(d.Payload, s.param.DatagramSize, wire.TypeMeasurement, s.streamID, s.nextSequence+uint64(i*s.subDatagrams)); err != nil {
			return err
		}
		d.Iovec.Base = &d.Payload[0]
		d.Iovec.SetLen(len(d.Payload))
		msgs[i].Hdr.Iov = &d.Iovec
		msgs[i].Hdr.Iovlen = 1
	}

	sent, err := s.sock.Sendmmsg(msgs)
	if sent > 0 {
		datagrams := uint64(sent * s.subDatagrams)
		var bytes uint64
		for i := 0; i < sent; i++ {
			bytes += uint64(msgs[i].Len)
		}
		s.nextSequence += uint64(width * s.subDatagrams)
		if sent != width {
			// Either all sub-datagrams of a message succeed or none: roll
			// back the sequence counter for the messages the kernel did
			// not accept.
			s.nextSequence -= uint64((width - sent) * s.subDatagrams)
		}
		s.current.AmountDatagrams += datagrams
		s.current.AmountDataBytes += bytes
	}
	return err
}

func (s *Sender) runAsyncLoop(start time.Time) error {
	var inflight uint32
	for time.Since(start) < s.param.TestDuration {
		if utilIdx := int(inflight); utilIdx < len(s.current.UringInflightUtilization) {
			s.current.UringInflightUtilization[utilIdx]++
		}
		s.current.AmountIOModelCalls++
		s.clock.maybeTick(&s.current, time.Now(), s.param.RunID, s.param.WorkerIndex, s.param.MetricsRegistry)

		for inflight < s.param.RingCapacity {
			d, err := s.pool.Acquire()
			if err != nil {
				break
			}
			wire.FillPattern(d.Payload)
			count, serr := wire.StampAggregate(d.Payload, s.param.DatagramSize, wire.TypeMeasurement, s.streamID, s.nextSequence)
			if serr != nil {
				return serr
			}
			if err := s.engine.SubmitSend(d, s.nextSequence); err != nil {
				s.pool.Release(d.Index())
				break
			}
			s.nextSequence += uint64(count)
			inflight++
		}

		if _, err := s.engine.Wait(); err != nil {
			return err
		}
		for _, c := range s.engine.DrainCompletions() {
			switch c.Outcome {
			case uring.OutcomeAccounted, uring.OutcomeNotif:
				s.current.AmountDatagrams += uint64(s.subDatagrams)
				if c.Bytes > 0 {
					s.current.AmountDataBytes += uint64(c.Bytes)
				}
				s.pool.Release(c.Index)
				inflight--
			case uring.OutcomeMore:
				// zero-copy: data queued, buffer stays in flight until NOTIF
			case uring.OutcomeEAgain:
				s.current.AmountOmittedDatagrams += int64(s.subDatagrams)
				s.pool.Release(c.Index)
				inflight--
			case uring.OutcomePeerUnreachable:
				return fmt.Errorf("worker: sender: start the receiver first")
			default:
				s.pool.Release(c.Index)
				inflight--
				return fmt.Errorf("worker: sender: io_uring completion failure: outcome=%d", c.Outcome)
			}
		}
	}
	if s.engine != nil {
		s.engine.Close()
	}
	return nil
}
