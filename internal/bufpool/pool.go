package bufpool

import (
	"errors"

	"github.com/nperf-go/nperf/internal/concurrency"
)

// ErrExhausted is returned by Acquire when every descriptor is in flight.
var ErrExhausted = errors.New("bufpool: exhausted")

// Pool is a fixed-capacity set of Descriptors recycled through a lock-free
// free-list, sized either to the batch width (sync I/O modes) or to
// ring-capacity*4 (async io_uring modes, per the worker's SQ/CQ headroom).
type Pool struct {
	descriptors []*Descriptor
	free        *concurrency.RingBuffer[uint32]
}

// New allocates capacity descriptors of payloadSize bytes each. capacity
// need not itself be a power of two (synchronous batch widths rarely are);
// the free-list ring, which does require one, is over-allocated to the
// next power of two so it never reports full while descriptors remain.
func New(capacity int, payloadSize int) *Pool {
	p := &Pool{
		descriptors: make([]*Descriptor, capacity),
		free:        concurrency.NewRingBuffer[uint32](nextPowerOfTwo(capacity)),
	}
	for i := range p.descriptors {
		p.descriptors[i] = newDescriptor(payloadSize, i)
		p.free.Enqueue(uint32(i))
	}
	return p
}

func nextPowerOfTwo(n int) uint64 {
	if n <= 1 {
		return 1
	}
	p := uint64(1)
	for p < uint64(n) {
		p <<= 1
	}
	return p
}

// Acquire removes one descriptor from the free-list. The returned
// descriptor's Control/Addr are reset; Payload retains its prior contents
// and length, ready to be overwritten by the caller.
func (p *Pool) Acquire() (*Descriptor, error) {
	idx, ok := p.free.Dequeue()
	if !ok {
		return nil, ErrExhausted
	}
	d := p.descriptors[idx]
	d.Reset()
	return d, nil
}

// Release returns a descriptor to the free-list by index. Safe to call
// from any goroutine; the free-list itself only guarantees correctness
// under single-producer/single-consumer use, so callers sharing a Pool
// across multiple sender/receiver goroutines must serialize Release calls
// per direction (the worker datapath does this naturally: one goroutine
// drains completions and is the sole releaser).
func (p *Pool) Release(index int) {
	p.free.Enqueue(uint32(index))
}

// ReleaseMany returns a batch of descriptors, as produced by a recvmmsg/
// sendmmsg completion burst or an io_uring CQE drain.
func (p *Pool) ReleaseMany(indices []int) {
	for _, idx := range indices {
		p.Release(idx)
	}
}

// Get returns the descriptor at index without touching the free-list, used
// by completion handling to look a CQE's user_data back up to its buffer.
func (p *Pool) Get(index int) *Descriptor {
	return p.descriptors[index]
}

// Available reports how many descriptors are currently free.
func (p *Pool) Available() int {
	return p.free.Len()
}

// Capacity returns the pool's total descriptor count.
func (p *Pool) Capacity() int {
	return len(p.descriptors)
}
