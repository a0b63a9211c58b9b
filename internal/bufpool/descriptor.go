// Package bufpool implements the fixed-capacity descriptor pool backing the
// sender/receiver datapaths: one Descriptor per in-flight datagram, carrying
// its payload buffer, iovec, optional control-message buffer, and optional
// peer address, recycled through a lock-free free-list.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package bufpool

import (
	"golang.org/x/sys/unix"
)

// cmsgBufferSize is large enough to hold a single SOL_UDP/UDP_GRO cmsg
// (CMSG_SPACE(4)) without a second allocation.
const cmsgBufferSize = 24

// Descriptor is one slot of the pool: a reusable payload buffer plus the
// scratch space io_uring/recvmsg/sendmsg need alongside it.
type Descriptor struct {
	// Payload is the datagram/segmentation-aggregate buffer, sized to the
	// pool's configured segmentation size.
	Payload []byte
	// Control holds ancillary data (GRO size cmsg on recv).
	Control []byte
	// Addr holds the peer address for recvmsg/sendmsg (unconnected sockets).
	Addr unix.Sockaddr
	// Iovec is the single-element iovec wrapping Payload, reused across
	// calls so msghdr construction need not re-allocate it.
	Iovec unix.Iovec

	index int
}

// Index returns the descriptor's slot number in its owning Pool.
func (d *Descriptor) Index() int { return d.index }

// Reset clears control/addr between uses without releasing Payload's memory.
func (d *Descriptor) Reset() {
	d.Control = d.Control[:0]
	d.Addr = nil
}

func newDescriptor(payloadSize int, index int) *Descriptor {
	return &Descriptor{
		Payload: make([]byte, payloadSize),
		Control: make([]byte, 0, cmsgBufferSize),
		index:   index,
	}
}
