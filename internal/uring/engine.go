//go:build linux

package uring

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/nperf-go/nperf/internal/bufpool"
)

// FillMode selects how aggressively a worker iteration replenishes the
// submission queue, per spec.md §4.C5.
type FillMode int

const (
	FillTopup FillMode = iota
	FillBurst
	FillSyscall
)

// SubMode selects which of the four completion-semantics families this
// Engine operates under.
type SubMode int

const (
	ModeNormal SubMode = iota
	ModeProvidedBuffer
	ModeMultishot
	ModeZeroCopySend
)

// Config describes one worker's async engine setup.
type Config struct {
	Capacity  uint32 // power of two SQ/CQ capacity
	BurstSize uint32
	Fill      FillMode
	Mode      SubMode

	CooperativeTaskrun bool
	DeferredTaskrun    bool
	SQPoll             bool
	SQPollCPU          int // -1 leaves the kernel to pick

	Fd int // the socket fd every submission targets

	BufferGroupID uint16
	MSS           uint32 // used to size provided-buffer slots
}

// Validate enforces spec.md §4.C5's setup constraints.
func (c Config) Validate() error {
	if c.Capacity == 0 || c.Capacity&(c.Capacity-1) != 0 {
		return errors.New("uring: capacity must be a power of two")
	}
	if c.BurstSize > c.Capacity {
		return errors.New("uring: burst size must not exceed ring capacity")
	}
	if c.SQPoll && (c.CooperativeTaskrun || c.DeferredTaskrun) {
		return errors.New("uring: SQ-poll is mutually exclusive with cooperative/deferred task-work")
	}
	return nil
}

// Outcome classifies one completion per spec.md §4.C5's normal-mode rules.
type Outcome int

const (
	OutcomeAccounted Outcome = iota
	OutcomeNoop
	OutcomeEAgain
	OutcomeOutOfBuffers
	OutcomePeerUnreachable
	OutcomeIOFailure
	OutcomeMore  // zero-copy send: data queued, buffer not yet reusable
	OutcomeNotif // zero-copy send: buffer now reusable
	OutcomeCanceledMultishot
)

// Completion is one classified CQE, handed to the worker datapath.
type Completion struct {
	Index    int // descriptor index, valid for normal/zero-copy-send modes
	BufferID uint16
	Bytes    int32
	Outcome  Outcome
}

// classifyNormal implements spec.md §4.C5's normal-mode result table.
func classifyNormal(res int32) Outcome {
	switch {
	case res > 0:
		return OutcomeAccounted
	case res == 0:
		return OutcomeNoop
	case res == -int32(unix.EAGAIN):
		return OutcomeEAgain
	case res == -int32(unix.ECONNREFUSED):
		return OutcomePeerUnreachable
	case res == -int32(unix.ENOBUFS):
		return OutcomeOutOfBuffers
	default:
		return OutcomeIOFailure
	}
}

// Engine drives one worker's io_uring submission/completion loop.
type Engine struct {
	r      *ring
	cfg    Config
	logger *slog.Logger

	// backlog holds descriptor indices queued by the caller but not yet
	// given to the SQ, used only by the burst fill policy.
	backlog *queue.Queue

	// pendingNotif tracks zero-copy-send descriptors awaiting their
	// second (NOTIF) completion before they may be released.
	pendingNotif map[int]bool

	// bufRing is the registered provided-buffer ring, set by
	// RegisterProvidedBuffers; nil until then.
	bufRing *bufferRing

	fastPollSupported bool
}

// New sets up a ring per cfg, probing and logging the fast-poll feature.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var flags uint32
	if cfg.SQPoll {
		flags |= setupSQPoll
		if cfg.SQPollCPU >= 0 {
			flags |= setupSQAff
		}
	}
	if cfg.CooperativeTaskrun {
		flags |= setupCoopTaskrun
	}
	if cfg.DeferredTaskrun {
		flags |= setupDeferTaskrun | setupSingleIssuer
	}

	cpu := uint32(0)
	if cfg.SQPollCPU >= 0 {
		cpu = uint32(cfg.SQPollCPU)
	}

	r, err := newRing(cfg.Capacity, flags, cpu, 0)
	if err != nil {
		return nil, err
	}

	fastPoll := r.p.Features&featFastPoll != 0
	logger.Info("io_uring fast-poll feature probe", "supported", fastPoll, "mode", modeName(cfg.Mode))

	e := &Engine{
		r:            r,
		cfg:          cfg,
		logger:       logger,
		backlog:      queue.New(),
		pendingNotif: make(map[int]bool),
		fastPollSupported: fastPoll,
	}

	if cfg.Mode == ModeProvidedBuffer {
		if err := e.registerProvidedBufferRing(); err != nil {
			r.Close()
			return nil, err
		}
	}
	return e, nil
}

// AttachSQPoll builds a follower ring that shares leader's SQPOLL kernel
// thread, per spec.md §4.C5's "optionally one shared ... thread across
// workers (attach subsequent rings to the first ring's file descriptor)".
func AttachSQPoll(leader *Engine, cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	flags := setupSQPoll
	r, err := newRing(cfg.Capacity, flags, 0, uint32(leader.r.fd))
	if err != nil {
		return nil, err
	}
	return &Engine{
		r:            r,
		cfg:          cfg,
		logger:       logger,
		backlog:      queue.New(),
		pendingNotif: make(map[int]bool),
		fastPollSupported: r.p.Features&featFastPoll != 0,
	}, nil
}

func modeName(m SubMode) string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeProvidedBuffer:
		return "provided-buffer"
	case ModeMultishot:
		return "multishot"
	case ModeZeroCopySend:
		return "zero-copy-send"
	default:
		return "unknown"
	}
}

// SubmitRecv arms a normal-mode recvmsg for descriptor d, using its index
// as user-data.
func (e *Engine) SubmitRecv(d *bufpool.Descriptor) error {
	s := e.r.peekSQE()
	if s == nil {
		return errSQFull
	}
	msg := buildMsghdr(d)
	s.Opcode = opRecvmsg
	s.Fd = int32(e.cfg.Fd)
	s.Addr = uint64(uintptr(unsafe.Pointer(msg)))
	s.UserData = uint64(d.Index())
	if e.cfg.Mode == ModeProvidedBuffer {
		s.Flags = sqeBufferSelect
		s.BufIndex = e.cfg.BufferGroupID
	}
	e.r.advanceSQ()
	return nil
}

// SubmitSend arms a sendmsg (a zero-copy sendmsg under ModeZeroCopySend)
// for descriptor d. The user-data is d's index, so the completion can hand
// d back to its pool; sequence is not placed in the submission, and
// accounting relies on the header stamped into the payload instead.
func (e *Engine) SubmitSend(d *bufpool.Descriptor, sequence uint64) error {
	s := e.r.peekSQE()
	if s == nil {
		return errSQFull
	}
	msg := buildMsghdr(d)
	s.Opcode = opSendmsg
	s.Fd = int32(e.cfg.Fd)
	s.Addr = uint64(uintptr(unsafe.Pointer(msg)))
	s.UserData = uint64(d.Index())
	if e.cfg.Mode == ModeZeroCopySend {
		s.Opcode = opSendmsgZC
		e.pendingNotif[d.Index()] = true
	}
	e.r.advanceSQ()
	_ = sequence // accounting keys off the wire header stamped into the payload, not user_data
	return nil
}

// ArmMultishotRecv submits a single multishot recvmsg that keeps
// re-completing until the kernel cancels it (spec.md §4.C5 multishot).
func (e *Engine) ArmMultishotRecv(d *bufpool.Descriptor) error {
	s := e.r.peekSQE()
	if s == nil {
		return errSQFull
	}
	msg := buildMsghdr(d)
	s.Opcode = opRecvmsgMulti
	s.Fd = int32(e.cfg.Fd)
	s.Addr = uint64(uintptr(unsafe.Pointer(msg)))
	s.Flags = sqeBufferSelect
	s.BufIndex = e.cfg.BufferGroupID
	s.IoPrio = 1 << 1 // IORING_RECV_MULTISHOT
	s.UserData = uint64(d.Index())
	e.r.advanceSQ()
	return nil
}

var errSQFull = errors.New("uring: submission queue full")

// Enqueue adds a descriptor index to the burst-mode backlog: descriptors
// the caller wants submitted but the current fill window has not yet
// admitted. Only meaningful under FillBurst.
func (e *Engine) Enqueue(index int) {
	e.backlog.Add(index)
}

// ShouldTopUpBurst reports whether the burst policy should refill now:
// only once inflight falls below ring-capacity minus burst-size.
func (e *Engine) ShouldTopUpBurst(inflight uint32) bool {
	return inflight < e.cfg.Capacity-e.cfg.BurstSize
}

// MinComplete returns the min-complete argument for the configured fill
// policy (topup: 1; burst/syscall: burst-size).
func (e *Engine) MinComplete() uint32 {
	if e.cfg.Fill == FillTopup {
		return 1
	}
	return e.cfg.BurstSize
}

// Wait submits pending SQEs and blocks (bounded by waitTimeoutMillis) for
// MinComplete completions. EBUSY is tolerated by the caller retrying;
// ETIME is a normal, non-fatal wakeup.
func (e *Engine) Wait() (int, error) {
	ts := unix.NsecToTimespec((waitTimeoutMillis * 1_000_000))
	n, err := e.r.submit(e.MinComplete(), ts, true)
	if err != nil && err != unix.ETIME && err != unix.EBUSY {
		return n, err
	}
	return n, nil
}

// DrainCompletions walks every ready CQE, classifying it per the
// configured SubMode, and advances the completion queue head as it goes.
func (e *Engine) DrainCompletions() []Completion {
	var out []Completion
	for {
		c := e.r.peekCQE()
		if c == nil {
			break
		}
		out = append(out, e.classify(c))
		e.r.advanceCQ()
	}
	return out
}

func (e *Engine) classify(c *cqe) Completion {
	switch e.cfg.Mode {
	case ModeZeroCopySend:
		if c.Flags&cqeFNotif != 0 {
			idx := int(c.UserData)
			delete(e.pendingNotif, idx)
			return Completion{Index: idx, Bytes: c.Res, Outcome: OutcomeNotif}
		}
		return Completion{Index: int(c.UserData), Bytes: c.Res, Outcome: OutcomeMore}

	case ModeMultishot:
		if c.Flags&cqeFMore == 0 {
			return Completion{Index: int(c.UserData), Bytes: c.Res, Outcome: OutcomeCanceledMultishot}
		}
		return Completion{Index: int(c.UserData), Bytes: c.Res, Outcome: classifyNormal(c.Res)}

	case ModeProvidedBuffer:
		bufID := uint16(c.Flags >> 16)
		if c.Res == -int32(unix.ENOBUFS) {
			return Completion{BufferID: bufID, Bytes: c.Res, Outcome: OutcomeOutOfBuffers}
		}
		return Completion{BufferID: bufID, Bytes: c.Res, Outcome: classifyNormal(c.Res)}

	default:
		return Completion{Index: int(c.UserData), Bytes: c.Res, Outcome: classifyNormal(c.Res)}
	}
}

// registerProvidedBufferRing checks, for provided-buffer mode, that
// cfg.MSS is non-zero. It registers nothing itself: the buffer ring is
// mmap'd and installed under cfg.BufferGroupID (IORING_REGISTER_PBUF_RING)
// by RegisterProvidedBuffers, which the receiver calls with its pool's
// descriptors after New returns.
func (e *Engine) registerProvidedBufferRing() error {
	if e.cfg.MSS == 0 {
		return fmt.Errorf("uring: provided-buffer mode requires a non-zero MSS")
	}
	return nil
}

// Close releases the underlying ring and any registered provided-buffer
// ring memory.
func (e *Engine) Close() error {
	e.releaseBufferRing()
	return e.r.Close()
}

// Fd exposes the ring's file descriptor, e.g. for a follower to attach to.
func (e *Engine) Fd() int { return e.r.fd }

func buildMsghdr(d *bufpool.Descriptor) *unix.Msghdr {
	d.Iovec.Base = &d.Payload[0]
	d.Iovec.SetLen(len(d.Payload))
	msg := &unix.Msghdr{
		Iov:    &d.Iovec,
		Iovlen: 1,
	}
	if len(d.Control) > 0 {
		msg.Control = &d.Control[0]
		msg.SetControllen(len(d.Control))
	}
	return msg
}
