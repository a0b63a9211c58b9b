//go:build linux

package uring

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// params mirrors struct io_uring_params for the setup syscall.
type params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqringOffsets
	CqOff        cqringOffsets
}

type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint64
	Resv1       uint32
	Resv2       uint64
}

// sqe mirrors struct io_uring_sqe (64 bytes).
type sqe struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	_           [2]uint64
}

// cqe mirrors struct io_uring_cqe (16 bytes).
type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type submissionQueue struct {
	head        *uint32
	tail        *uint32
	ringMask    uint32
	ringEntries uint32
	flags       *uint32
	dropped     *uint32
	array       *uint32
	sqes        []sqe
}

type completionQueue struct {
	head        *uint32
	tail        *uint32
	ringMask    uint32
	ringEntries uint32
	overflow    *uint32
	cqes        []cqe
}

// ring is the low-level io_uring instance: one per worker, or shared by a
// SQPOLL thread attach for the sqPollAttach topology.
type ring struct {
	fd      int
	p       params
	sq      submissionQueue
	cq      completionQueue
	sqeMem  []byte
	ringMem []byte
}

func ioUringSetup(entries uint32, p *params) (int, error) {
	r1, _, errno := unix.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

func ioUringEnter(fd int, toSubmit, minComplete uint32, flags uint32, ts *unix.Timespec) (int, error) {
	// With IORING_ENTER_EXT_ARG the kernel reads a struct
	// io_uring_getevents_arg, whose ts field points at the timespec.
	type geteventsArg struct {
		Sigmask   uint64
		SigmaskSz uint32
		Pad       uint32
		Ts        uint64
	}
	var arg *geteventsArg
	var argPtr uintptr
	var argSize uintptr
	if ts != nil {
		arg = &geteventsArg{Ts: uint64(uintptr(unsafe.Pointer(ts)))}
		argPtr = uintptr(unsafe.Pointer(arg))
		argSize = unsafe.Sizeof(*arg)
	}
	r1, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), argPtr, argSize)
	runtime.KeepAlive(arg)
	runtime.KeepAlive(ts)
	if errno != 0 {
		return int(r1), errno
	}
	return int(r1), nil
}

func ioUringRegister(fd int, opcode uint32, arg unsafe.Pointer, nrArgs uint32) error {
	_, _, errno := unix.Syscall6(sysIoUringRegister, uintptr(fd), uintptr(opcode), uintptr(arg), uintptr(nrArgs), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// newRing sets up a ring of the given power-of-two capacity with the
// given setup flags (already validated mutually-exclusive by the caller).
func newRing(capacity uint32, flags uint32, sqThreadCPU uint32, attachWqFd uint32) (*ring, error) {
	p := params{
		SqEntries:    capacity,
		CqEntries:    capacity, // kernel doubles/clamps as needed; completion capacity >= ring capacity
		Flags:        flags,
		SqThreadCPU:  sqThreadCPU,
		SqThreadIdle: sqPollIdleMillis,
	}
	if attachWqFd != 0 {
		p.WqFd = attachWqFd
		p.Flags |= 1 << 5 // IORING_SETUP_ATTACH_WQ
	}

	fd, err := ioUringSetup(capacity, &p)
	if err != nil {
		return nil, fmt.Errorf("uring: io_uring_setup: %w", err)
	}

	if p.Features&featSingleMmap == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("uring: kernel lacks IORING_FEAT_SINGLE_MMAP (requires Linux 5.4+)")
	}

	r := &ring{fd: fd, p: p}
	if err := r.mmap(); err != nil {
		r.Close()
		return nil, err
	}
	runtime.SetFinalizer(r, func(r *ring) { r.Close() })
	return r, nil
}

func (r *ring) mmap() error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := r.p.SqOff.Array + r.p.SqEntries*4
	cqRingSize := r.p.CqOff.Cqes + r.p.CqEntries*uint32(unsafe.Sizeof(cqe{}))
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	ringMem, err := unix.Mmap(r.fd, 0, int(ringSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("uring: mmap sq/cq ring: %w", err)
	}
	r.ringMem = ringMem

	sqeSize := r.p.SqEntries * uint32(unsafe.Sizeof(sqe{}))
	sqeMem, err := unix.Mmap(r.fd, 0x10000000, int(sqeSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(r.ringMem)
		r.ringMem = nil
		return fmt.Errorf("uring: mmap sqes: %w", err)
	}
	r.sqeMem = sqeMem

	off := &r.p.SqOff
	r.sq.head = (*uint32)(unsafe.Pointer(&r.ringMem[off.Head]))
	r.sq.tail = (*uint32)(unsafe.Pointer(&r.ringMem[off.Tail]))
	r.sq.ringMask = *(*uint32)(unsafe.Pointer(&r.ringMem[off.RingMask]))
	r.sq.ringEntries = *(*uint32)(unsafe.Pointer(&r.ringMem[off.RingEntries]))
	r.sq.flags = (*uint32)(unsafe.Pointer(&r.ringMem[off.Flags]))
	r.sq.dropped = (*uint32)(unsafe.Pointer(&r.ringMem[off.Dropped]))
	r.sq.array = (*uint32)(unsafe.Pointer(&r.ringMem[off.Array]))
	r.sq.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqeMem[0])), r.p.SqEntries)

	coff := &r.p.CqOff
	r.cq.head = (*uint32)(unsafe.Pointer(&r.ringMem[coff.Head]))
	r.cq.tail = (*uint32)(unsafe.Pointer(&r.ringMem[coff.Tail]))
	r.cq.ringMask = *(*uint32)(unsafe.Pointer(&r.ringMem[coff.RingMask]))
	r.cq.ringEntries = *(*uint32)(unsafe.Pointer(&r.ringMem[coff.RingEntries]))
	r.cq.overflow = (*uint32)(unsafe.Pointer(&r.ringMem[coff.Overflow]))
	r.cq.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&r.ringMem[coff.Cqes])), r.p.CqEntries)
	return nil
}

// peekSQE returns the next free SQE to fill, or nil if the SQ is full.
func (r *ring) peekSQE() *sqe {
	tail := atomic.LoadUint32(r.sq.tail)
	head := atomic.LoadUint32(r.sq.head)
	if tail-head >= r.sq.ringEntries {
		return nil
	}
	idx := tail & r.sq.ringMask
	e := &r.sq.sqes[idx]
	*e = sqe{}

	arrayPtr := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(r.sq.array)) + uintptr(idx)*4))
	*arrayPtr = idx
	return e
}

// advanceSQ makes the most recently filled SQE visible to the kernel.
func (r *ring) advanceSQ() {
	atomic.AddUint32(r.sq.tail, 1)
}

func (r *ring) pendingSQEs() uint32 {
	return atomic.LoadUint32(r.sq.tail) - atomic.LoadUint32(r.sq.head)
}

// submit calls io_uring_enter, submitting every pending SQE and waiting
// for at least minComplete completions. If timeout is non-zero, an
// IORING_ENTER_EXT_ARG timespec bounds the wait.
func (r *ring) submit(minComplete uint32, timeout unix.Timespec, useTimeout bool) (int, error) {
	toSubmit := r.pendingSQEs()
	flags := enterGetevents
	var ts *unix.Timespec
	if useTimeout {
		ts = &timeout
		flags |= enterExtArg
	}
	for {
		n, err := ioUringEnter(r.fd, toSubmit, minComplete, flags, ts)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// peekCQE returns the oldest unconsumed CQE without advancing the head.
func (r *ring) peekCQE() *cqe {
	head := atomic.LoadUint32(r.cq.head)
	tail := atomic.LoadUint32(r.cq.tail)
	if head == tail {
		return nil
	}
	return &r.cq.cqes[head&r.cq.ringMask]
}

func (r *ring) advanceCQ() {
	atomic.AddUint32(r.cq.head, 1)
}

func (r *ring) register(opcode uint32, arg unsafe.Pointer, nrArgs uint32) error {
	return ioUringRegister(r.fd, opcode, arg, nrArgs)
}

// Close unmaps both memory regions and closes the ring's file descriptor.
func (r *ring) Close() error {
	if r == nil {
		return nil
	}
	runtime.SetFinalizer(r, nil)
	var firstErr error
	if r.ringMem != nil {
		if err := unix.Munmap(r.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ringMem = nil
	}
	if r.sqeMem != nil {
		if err := unix.Munmap(r.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.sqeMem = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}
	return firstErr
}
