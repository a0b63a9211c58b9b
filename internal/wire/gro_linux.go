//go:build linux

package wire

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// ParseGROCmsg walks a recvmsg control buffer looking for the
// SOL_UDP/UDP_GRO ancillary message, returning the kernel-reported
// per-segment size the aggregate read should be chunked by. ok is false
// when no such cmsg is present, meaning the caller should treat the whole
// read as a single sub-datagram.
func ParseGROCmsg(control []byte) (size uint32, ok bool) {
	msgs, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return 0, false
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_UDP && m.Header.Type == unix.UDP_GRO && len(m.Data) >= 4 {
			return nativeEndianUint32(m.Data), true
		}
	}
	return 0, false
}

func nativeEndianUint32(b []byte) uint32 {
	// UDP_GRO's cmsg payload is a plain native-endian int, written by the
	// kernel in host order (not network order), matching the Rust
	// reference's *const u32 cast over CMSG_DATA.
	return binary.NativeEndian.Uint32(b)
}
