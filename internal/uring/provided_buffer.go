//go:build linux

package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nperf-go/nperf/internal/bufpool"
)

// ioUringBufReg mirrors struct io_uring_buf_reg, the argument to
// IORING_REGISTER_PBUF_RING.
type ioUringBufReg struct {
	RingAddr    uint64
	RingEntries uint32
	Bgid        uint16
	Pad         uint16
	Resv        [3]uint64
}

// ioUringBuf mirrors struct io_uring_buf: one provided-buffer slot's
// address/length/buffer-id. Entry 0's Resv field doubles as the ring's
// tail counter, per struct io_uring_buf_ring's documented union layout.
type ioUringBuf struct {
	Addr uint64
	Len  uint32
	Bid  uint16
	Resv uint16
}

// ioUringRecvmsgOut mirrors struct io_uring_recvmsg_out, the fixed header
// the kernel writes at the start of a buffer-selected recvmsg completion's
// chosen slot, ahead of the name/control/payload regions.
type ioUringRecvmsgOut struct {
	Namelen    uint32
	Controllen uint32
	Payloadlen uint32
	Flags      uint32
}

// recvmsgOutHeaderSize is sizeof(struct io_uring_recvmsg_out).
const recvmsgOutHeaderSize = 16

// ParseRecvmsgOut extracts the UDP payload a buffer-selected recvmsg
// completion placed in buf, per struct io_uring_recvmsg_out's documented
// layout: a fixed header, then msg_namelen bytes of socket name, then
// msg_controllen bytes of control data, then the payload. SubmitRecv's
// provided-buffer submissions always request zero name/control capacity
// (see its ModeProvidedBuffer branch), so the payload begins immediately
// after the header here.
func ParseRecvmsgOut(buf []byte) ([]byte, error) {
	if len(buf) < recvmsgOutHeaderSize {
		return nil, fmt.Errorf("uring: provided-buffer slot too short for io_uring_recvmsg_out header: %d bytes", len(buf))
	}
	out := (*ioUringRecvmsgOut)(unsafe.Pointer(&buf[0]))
	start := recvmsgOutHeaderSize
	end := start + int(out.Payloadlen)
	if end > len(buf) {
		end = len(buf)
	}
	if start > end {
		return nil, fmt.Errorf("uring: provided-buffer recvmsg_out reports payload past the end of the slot")
	}
	return buf[start:end], nil
}

// bufferRing is the mmap'd memory backing a provided-buffer ring plus the
// bookkeeping to hand descriptor indices back out as kernel buffer ids.
type bufferRing struct {
	mem       []byte
	entries   []ioUringBuf
	mask      uint16
	bgid      uint16
	localTail uint16 // producer-side shadow of the ring's published tail
}

// RegisterProvidedBuffers installs descs as a provided-buffer ring under
// cfg.BufferGroupID (len(descs) must be a power of two), so that
// ModeProvidedBuffer/ModeMultishot recvmsg submissions can pull buffers
// straight from the kernel instead of pre-pairing one sqe per descriptor.
// Ownership of the ring memory is the Engine's; Close releases it.
func (e *Engine) RegisterProvidedBuffers(descs []*bufpool.Descriptor) error {
	n := len(descs)
	if n == 0 || n&(n-1) != 0 {
		return fmt.Errorf("uring: provided-buffer ring size must be a power of two, got %d", n)
	}

	size := n * int(unsafe.Sizeof(ioUringBuf{}))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("uring: mmap provided-buffer ring: %w", err)
	}

	br := &bufferRing{
		mem:     mem,
		entries: unsafe.Slice((*ioUringBuf)(unsafe.Pointer(&mem[0])), n),
		mask:    uint16(n - 1),
		bgid:    e.cfg.BufferGroupID,
	}
	for i, d := range descs {
		br.entries[i] = ioUringBuf{
			Addr: uint64(uintptr(unsafe.Pointer(&d.Payload[0]))),
			Len:  uint32(len(d.Payload)),
			Bid:  uint16(d.Index()),
		}
	}
	// The tail count lives in entry 0's Resv field (struct io_uring_buf_ring's
	// union with the head/tail header); publish every slot as available.
	tailPtr := (*uint16)(unsafe.Pointer(&mem[14]))
	atomic.StoreUint16(tailPtr, uint16(n))
	br.localTail = uint16(n)

	reg := ioUringBufReg{
		RingAddr:    uint64(uintptr(unsafe.Pointer(&mem[0]))),
		RingEntries: uint32(n),
		Bgid:        e.cfg.BufferGroupID,
	}
	if err := e.r.register(registerPBufRing, unsafe.Pointer(&reg), 1); err != nil {
		unix.Munmap(mem)
		return fmt.Errorf("uring: IORING_REGISTER_PBUF_RING: %w", err)
	}

	e.bufRing = br
	return nil
}

// releaseBufferRing unmaps a previously registered provided-buffer ring, if
// any. Called from Close.
func (e *Engine) releaseBufferRing() {
	if e.bufRing == nil {
		return
	}
	unix.Munmap(e.bufRing.mem)
	e.bufRing = nil
}

// RecycleProvidedBuffer republishes descriptor d under buffer id bid,
// making it available again for a future buffer-selected recvmsg. A
// provided buffer leaves the kernel's pool the moment it is selected for
// a completion; without this, the ring drains after its initial fill and
// every later provided-buffer recv degrades to OutcomeOutOfBuffers.
func (e *Engine) RecycleProvidedBuffer(bid uint16, d *bufpool.Descriptor) {
	if e.bufRing == nil {
		return
	}
	e.bufRing.recycle(bid, d)
}

// recycle writes d's buffer into the ring's current producer slot under
// bid and publishes the advanced tail, following struct io_uring_buf_ring's
// single-producer protocol (write the entry, then store-release the tail).
func (br *bufferRing) recycle(bid uint16, d *bufpool.Descriptor) {
	slot := &br.entries[br.localTail&br.mask]
	*slot = ioUringBuf{
		Addr: uint64(uintptr(unsafe.Pointer(&d.Payload[0]))),
		Len:  uint32(len(d.Payload)),
		Bid:  bid,
	}
	br.localTail++
	tailPtr := (*uint16)(unsafe.Pointer(&br.mem[14]))
	atomic.StoreUint16(tailPtr, br.localTail)
}
