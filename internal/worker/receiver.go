package worker

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nperf-go/nperf/internal/accounting"
	"github.com/nperf-go/nperf/internal/affinity"
	"github.com/nperf-go/nperf/internal/bufpool"
	"github.com/nperf-go/nperf/internal/socket"
	"github.com/nperf-go/nperf/internal/stats"
	"github.com/nperf-go/nperf/internal/uring"
	"github.com/nperf-go/nperf/internal/wire"
)

// Receiver drives one receiving worker's state machine: wait for first
// packet (tolerating never-arrives for sharded deployments), steady-state
// receive loop demultiplexing by stream-id, LAST-triggered slot drain, and
// final statistics (spec.md §4.C6).
type Receiver struct {
	param  Parameter
	logger *slog.Logger

	sock   *socket.Socket
	pool   *bufpool.Pool
	engine *uring.Engine

	registry *accounting.Registry
	current  stats.Statistic
	clock    *intervalClock

	// totals shadows the sum of every slot's counters as of the last
	// processed datagram, so Receiver can credit `current` with only the
	// delta each read contributes (accounting.Slot accumulates for the
	// whole run, stats.Statistic resets every interval).
	totals slotTotals
}

type slotTotals struct {
	datagrams, reordered, duplicated uint64
	omitted                          int64
}

func sumSlots(r *accounting.Registry) slotTotals {
	var t slotTotals
	for _, id := range r.Streams() {
		s := r.Slot(id)
		t.datagrams += s.AmountDatagrams
		t.reordered += s.AmountReorderedDatagrams
		t.duplicated += s.AmountDuplicatedDatagrams
		t.omitted += s.AmountOmittedDatagrams
	}
	return t
}

// NewReceiver constructs and binds a receiving worker's socket and buffer
// pool. The caller invokes Run to execute the state machine.
func NewReceiver(param Parameter, logger *slog.Logger) (*Receiver, error) {
	logger = defaultLogger(logger)

	sock, err := socket.New(param.LocalIP, param.LocalPort, param.SocketOptions)
	if err != nil {
		return nil, fmt.Errorf("worker: receiver: %w", err)
	}
	if err := sock.Bind(); err != nil {
		sock.Close()
		return nil, fmt.Errorf("worker: receiver: bind: %w", err)
	}

	pool := bufpool.New(param.bufferPoolCapacity(), param.SegmentationSize)

	r := &Receiver{
		param:    param,
		logger:   logger,
		sock:     sock,
		pool:     pool,
		registry: accounting.NewRegistry(),
		current:  stats.New(param.RunID, param.WorkerIndex),
	}

	if param.IOModel == IOAsyncRing {
		cfg := uring.Config{
			Capacity:      param.RingCapacity,
			BurstSize:     param.SubmissionBatch,
			Fill:          param.SQFillPolicy,
			Mode:          param.AsyncSubMode,
			SQPoll:        param.SQPoll,
			SQPollCPU:     param.SQPollCPU,
			Fd:            sock.Fd(),
			BufferGroupID: 1,
			MSS:           uint32(param.SegmentationSize),
		}
		engine, err := uring.New(cfg, logger)
		if err != nil {
			sock.Close()
			return nil, fmt.Errorf("worker: receiver: uring: %w", err)
		}
		if param.AsyncSubMode == uring.ModeProvidedBuffer {
			descs := make([]*bufpool.Descriptor, pool.Capacity())
			for i := 0; i < pool.Capacity(); i++ {
				descs[i] = pool.Get(i)
			}
			if err := engine.RegisterProvidedBuffers(descs); err != nil {
				engine.Close()
				sock.Close()
				return nil, fmt.Errorf("worker: receiver: %w", err)
			}
		}
		r.engine = engine
	}

	return r, nil
}

// Run executes the full receiver state machine.
func (r *Receiver) Run() Result {
	if r.param.PinCPU >= 0 {
		if err := affinity.Pin(r.param.PinCPU); err != nil {
			r.logger.Warn("worker: receiver: cpu pin failed", "cpu", r.param.PinCPU, "error", err)
		}
	}

	start := time.Now()

	if err := r.waitForFirstPacket(); err != nil {
		return Result{Err: err}
	}
	if len(r.registry.Streams()) == 0 {
		// No traffic arrived within the initial timeout: empty statistic,
		// not an error, supporting SO_REUSEPORT-sharded workers that may
		// simply never receive any traffic.
		return Result{Final: stats.New(r.param.RunID, r.param.WorkerIndex)}
	}

	r.clock = newIntervalClock(r.param.Interval, start)
	r.totals = sumSlots(r.registry)

	var err error
	if r.param.IOModel == IOAsyncRing {
		err = r.runAsyncLoop()
	} else {
		err = r.runSyncLoop()
	}
	if err != nil {
		return Result{Err: err}
	}

	now := time.Now()
	if r.param.Interval > 0 {
		r.clock.maybeTick(&r.current, now.Add(r.param.Interval), r.param.RunID, r.param.WorkerIndex, r.param.MetricsRegistry)
	}
	final := r.foldFinal(start, now)
	publishFinal(r.param.MetricsRegistry, r.param.WorkerIndex, final)
	return Result{Final: final, Intervals: r.clock.intervals}
}

func (r *Receiver) foldFinal(start, end time.Time) stats.Statistic {
	var final stats.Statistic
	if r.clock == nil || len(r.clock.intervals) == 0 {
		final = r.current
	} else {
		final = r.clock.intervals[0]
		for _, in := range r.clock.intervals[1:] {
			final = final.Add(in)
		}
	}
	final.TestDuration = end.Sub(start) - ControlWait
	if final.TestDuration < 0 {
		final.TestDuration = end.Sub(start)
	}
	final.Calculate()
	return final
}

// waitForFirstPacket blocks up to InitialPollTimeout for the first
// datagram to land, dispatching it (so subsequent loops see a non-empty
// registry). A timeout is not an error: it supports sharded deployments
// where some workers may never receive traffic.
func (r *Receiver) waitForFirstPacket() error {
	deadline := time.Now().Add(InitialPollTimeout)
	for time.Now().Before(deadline) {
		ok, err := r.receiveOnce()
		if err != nil {
			serr, isSocketErr := err.(*socket.Error)
			if isSocketErr && serr.Kind == socket.KindWouldBlock {
				if _, waitErr := ioWait(r.sock, r.param.IOModel, true, false, InitialPollTimeout); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		if ok {
			return nil
		}
	}
	return nil
}

func (r *Receiver) runSyncLoop() error {
	for {
		r.clock.maybeTick(&r.current, time.Now(), r.param.RunID, r.param.WorkerIndex, r.param.MetricsRegistry)

		_, err := r.receiveOnce()
		r.current.AmountSyscalls++

		if err == nil {
			if r.allTerminated() {
				return nil
			}
			continue
		}
		serr, ok := err.(*socket.Error)
		if !ok {
			return err
		}
		switch serr.Kind {
		case socket.KindWouldBlock:
			r.current.AmountIOModelCalls++
			timedOut, waitErr := ioWait(r.sock, r.param.IOModel, true, false, InMeasurementPollTimeout)
			if waitErr != nil {
				return waitErr
			}
			if timedOut {
				// LAST may have been load-balanced to another worker under
				// port sharing; give up waiting for this stream's tail.
				return nil
			}
		default:
			return serr
		}
	}
}

// receiveOnce performs exactly one recv-family call, classifies its
// payload, and credits r.current with the resulting delta. ok reports
// whether a datagram was actually received (false on would-block).
func (r *Receiver) receiveOnce() (ok bool, err error) {
	switch r.param.Exchange {
	case ExchangeOne:
		return r.recvOne()
	case ExchangeMsg:
		return r.recvMsg()
	case ExchangeMmsg:
		return r.recvMmsg()
	default:
		return r.recvOne()
	}
}

func (r *Receiver) recvOne() (bool, error) {
	d, err := r.pool.Acquire()
	if err != nil {
		return false, err
	}
	defer r.pool.Release(d.Index())

	n, err := r.sock.Recv(d.Payload)
	if err != nil {
		return false, err
	}
	r.dispatch(d.Payload[:n], 0)
	r.current.AmountDataBytes += uint64(n)
	return true, nil
}

func (r *Receiver) recvMsg() (bool, error) {
	d, err := r.pool.Acquire()
	if err != nil {
		return false, err
	}
	defer r.pool.Release(d.Index())

	if r.param.SocketOptions.GRO {
		d.Control = d.Control[:cap(d.Control)]
	}
	n, _, oob, err := r.sock.Recvmsg(d.Payload, d.Control)
	if err != nil {
		return false, err
	}
	subSize := 0
	if r.param.SocketOptions.GRO {
		if size, ok := wire.ParseGROCmsg(d.Control[:oob]); ok {
			subSize = int(size)
		}
	}
	r.dispatch(d.Payload[:n], subSize)
	r.current.AmountDataBytes += uint64(n)
	return true, nil
}

func (r *Receiver) recvMmsg() (bool, error) {
	width := r.param.BatchWidth
	if width <= 0 {
		width = 1
	}
	descs := make([]*bufpool.Descriptor, 0, width)
	defer func() {
		for _, d := range descs {
			r.pool.Release(d.Index())
		}
	}()

	msgs := make([]unix.Mmsghdr, width)
	for i := 0; i < width; i++ {
		d, err := r.pool.Acquire()
		if err != nil {
			return false, err
		}
		descs = append(descs, d)
		d.Iovec.Base = &d.Payload[0]
		d.Iovec.SetLen(len(d.Payload))
		msgs[i].Hdr.Iov = &d.Iovec
		msgs[i].Hdr.Iovlen = 1
		if r.param.SocketOptions.GRO {
			d.Control = d.Control[:cap(d.Control)]
			msgs[i].Hdr.Control = &d.Control[0]
			msgs[i].Hdr.SetControllen(len(d.Control))
		}
	}

	n, err := r.sock.Recvmmsg(msgs, 0)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	var bytes uint64
	for i := 0; i < n; i++ {
		subSize := 0
		if r.param.SocketOptions.GRO {
			if size, ok := wire.ParseGROCmsg(descs[i].Control[:msgs[i].Hdr.Controllen]); ok {
				subSize = int(size)
			}
		}
		r.dispatch(descs[i].Payload[:msgs[i].Len], subSize)
		bytes += uint64(msgs[i].Len)
	}
	r.current.AmountDataBytes += bytes
	return true, nil
}

// dispatch demultiplexes payload by its first header's stream-id,
// processes it (splitting by subSize when GRO coalesced several
// sub-datagrams into one read), and credits the totals delta into current.
func (r *Receiver) dispatch(payload []byte, subSize int) {
	hdr, err := wire.Deserialize(payload)
	if err != nil {
		return
	}
	slot, _ := r.registry.Dispatch(hdr, time.Now())

	switch hdr.Type {
	case wire.TypeLast:
		slot.MarkLast(time.Now().Add(-ControlWait))
	case wire.TypeMeasurement:
		var procErr error
		if subSize > 0 {
			procErr = slot.ProcessAggregate(payload, subSize)
		} else {
			procErr = slot.ProcessDatagram(payload)
		}
		if procErr != nil {
			r.logger.Warn("worker: receiver: malformed sub-datagram header",
				"stream_id", hdr.StreamID, "error", procErr)
		}
	}

	newTotals := sumSlots(r.registry)
	r.current.AmountDatagrams += newTotals.datagrams - r.totals.datagrams
	r.current.AmountReorderedDatagrams += newTotals.reordered - r.totals.reordered
	r.current.AmountDuplicatedDatagrams += newTotals.duplicated - r.totals.duplicated
	r.current.AmountOmittedDatagrams += newTotals.omitted - r.totals.omitted
	r.totals = newTotals
}

// allTerminated reports whether every stream the registry has ever seen
// has also received its LAST message.
func (r *Receiver) allTerminated() bool {
	for _, id := range r.registry.Streams() {
		if !r.registry.Slot(id).Terminated {
			return false
		}
	}
	return true
}

func (r *Receiver) runAsyncLoop() error {
	var inflight uint32
	deadline := time.Now().Add(r.param.TestDuration)
	var postDeadlineIdle time.Duration

	// Normal/multishot modes need one or more recv submissions armed
	// before completions can land; provided-buffer submissions also go
	// through SubmitRecv (see internal/uring's ModeProvidedBuffer branch).
	if r.param.AsyncSubMode == uring.ModeMultishot {
		d, err := r.pool.Acquire()
		if err != nil {
			return err
		}
		if err := r.engine.ArmMultishotRecv(d); err != nil {
			return err
		}
		inflight = 1
	}

	for time.Now().Before(deadline) || !r.allTerminated() {
		if idx := int(inflight); idx < len(r.current.UringInflightUtilization) {
			r.current.UringInflightUtilization[idx]++
		}
		r.current.AmountIOModelCalls++
		r.clock.maybeTick(&r.current, time.Now(), r.param.RunID, r.param.WorkerIndex, r.param.MetricsRegistry)

		if r.param.AsyncSubMode != uring.ModeMultishot {
			for inflight < r.param.RingCapacity {
				d, err := r.pool.Acquire()
				if err != nil {
					break
				}
				if err := r.engine.SubmitRecv(d); err != nil {
					r.pool.Release(d.Index())
					break
				}
				inflight++
			}
		}

		waitStart := time.Now()
		n, err := r.engine.Wait()
		if err != nil {
			return err
		}
		completions := r.engine.DrainCompletions()
		for _, c := range completions {
			r.handleCompletion(c, &inflight)
		}

		if time.Now().After(deadline) {
			if r.allTerminated() {
				break
			}
			if n == 0 && len(completions) == 0 {
				// LAST may have been load-balanced to another worker under
				// port sharing: give up once idle past deadline for as long
				// as the in-measurement poll timeout.
				postDeadlineIdle += time.Since(waitStart)
				if postDeadlineIdle >= InMeasurementPollTimeout {
					break
				}
			} else {
				postDeadlineIdle = 0
			}
		}
	}
	r.engine.Close()
	return nil
}

func (r *Receiver) handleCompletion(c uring.Completion, inflight *uint32) {
	idx := c.Index
	if r.param.AsyncSubMode == uring.ModeProvidedBuffer {
		idx = int(c.BufferID)
	}

	switch c.Outcome {
	case uring.OutcomeAccounted:
		d := r.pool.Get(idx)
		n := int(c.Bytes)

		if r.param.AsyncSubMode == uring.ModeProvidedBuffer {
			payload, err := uring.ParseRecvmsgOut(d.Payload[:n])
			if err != nil {
				r.logger.Warn("worker: receiver: provided-buffer recvmsg_out parse failed", "error", err)
			} else {
				r.current.AmountDataBytes += uint64(len(payload))
				r.dispatch(payload, 0)
			}
			// The buffer left the kernel's ring the instant it was
			// selected for this completion; republish it before arming
			// the next recv so the ring does not run dry.
			r.engine.RecycleProvidedBuffer(c.BufferID, d)
			if err := r.engine.SubmitRecv(d); err != nil {
				*inflight--
			}
			return
		}

		r.current.AmountDataBytes += uint64(n)
		r.dispatch(d.Payload[:n], 0)
		if r.param.AsyncSubMode != uring.ModeMultishot {
			r.pool.Release(idx)
			*inflight--
			if rd, err := r.pool.Acquire(); err == nil {
				if err := r.engine.SubmitRecv(rd); err == nil {
					*inflight++
				} else {
					r.pool.Release(rd.Index())
				}
			}
		}
	case uring.OutcomeCanceledMultishot:
		r.current.UringCanceledMultishot++
		if d, err := r.pool.Acquire(); err == nil {
			if err := r.engine.ArmMultishotRecv(d); err == nil {
				*inflight = 1
			} else {
				r.pool.Release(d.Index())
			}
		}
	case uring.OutcomeOutOfBuffers:
		r.current.AmountOmittedDatagrams++
	case uring.OutcomeEAgain:
		// nothing ready this round
	default:
		// A hard-fail recvmsg (peer-unreachable, I/O error) never reaches the
		// point of selecting a buffer, so in provided-buffer mode idx here is
		// not a descriptor the kernel handed back to us; releasing it to the
		// pool would let a buffer still live in the kernel's ring also be
		// handed out locally. Only drop the inflight count in that mode.
		if r.param.AsyncSubMode == uring.ModeProvidedBuffer {
			*inflight--
		} else if r.param.AsyncSubMode != uring.ModeMultishot {
			r.pool.Release(idx)
			*inflight--
		}
	}
}
