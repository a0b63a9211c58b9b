// Package socket wraps a single IPv4 UDP socket: construction, option
// application, the send/recv family (including the *mmsg batch calls),
// readiness waiting, and errno-to-error-kind classification.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package socket

import (
	"fmt"
	"net"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// ErrorKind classifies a failed syscall into the categories the worker
// datapath reacts to.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindPeerUnreachable
	KindWouldBlock
	KindOversize
	KindIOFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindPeerUnreachable:
		return "peer-unreachable"
	case KindWouldBlock:
		return "would-block"
	case KindOversize:
		return "oversize"
	case KindIOFailure:
		return "io-failure"
	default:
		return "other"
	}
}

// Error wraps a syscall errno with its classified Kind.
type Error struct {
	Kind  ErrorKind
	Errno unix.Errno
	Op    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("socket: %s: %s (errno %d)", e.Op, e.Kind, e.Errno)
}

func (e *Error) Unwrap() error { return e.Errno }

// classify maps a raw errno from a send/recv family call to an ErrorKind,
// per spec: ECONNREFUSED -> peer-unreachable, EAGAIN/EWOULDBLOCK ->
// would-block, EMSGSIZE -> oversize, anything else -> io-failure.
func classify(op string, errno unix.Errno) *Error {
	kind := KindIOFailure
	switch errno {
	case unix.ECONNREFUSED:
		kind = KindPeerUnreachable
	case unix.EAGAIN:
		kind = KindWouldBlock
	case unix.EMSGSIZE:
		kind = KindOversize
	}
	return &Error{Kind: kind, Errno: errno, Op: op}
}

// Options configures the socket-level knobs applied in the fixed order:
// address-reuse, non-blocking, no-fragmentation (PMTU discovery "do"),
// GSO size, GRO enable, pacing rate, send/recv buffer sizes.
type Options struct {
	Reuseport    bool
	Nonblocking  bool
	NoFragment   bool
	GSOSize      uint32 // 0 disables GSO
	GRO          bool
	PacingRate   uint64 // 0 leaves the kernel default
	SendBufSize  uint32 // 0 leaves the kernel default
	RecvBufSize  uint32 // 0 leaves the kernel default
}

// Socket is a raw IPv4 UDP socket plus the applied Options.
type Socket struct {
	fd      int
	ip      net.IP
	port    uint16
	options Options
}

// New creates and configures a UDP socket bound to no address yet, with
// options applied in the order Options documents.
func New(ip net.IP, port uint16, opts Options) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, &Error{Kind: KindIOFailure, Errno: err.(unix.Errno), Op: "socket"}
	}

	s := &Socket{fd: fd, ip: ip.To4(), port: port, options: opts}
	if err := s.applyOptions(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// FromUDPConn wraps an already-bound *net.UDPConn, recovering its raw fd
// via netfd so a socket built the idiomatic stdlib way still gets raw
// socket-option and io_uring access afterward. Nothing in this module
// calls it: the workers build their sockets with New.
func FromUDPConn(conn *net.UDPConn, opts Options) (*Socket, error) {
	fd, err := netfd.GetFdFromConn(conn)
	if err != nil {
		return nil, fmt.Errorf("socket: recovering fd from net.UDPConn: %w", err)
	}
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	s := &Socket{fd: int(fd), ip: localAddr.IP.To4(), port: uint16(localAddr.Port), options: opts}
	if err := s.applyOptions(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Socket) applyOptions() error {
	o := &s.options

	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(o.Reuseport)); err != nil {
		return classify("setsockopt(SO_REUSEPORT)", err.(unix.Errno))
	}

	if o.Nonblocking {
		if err := unix.SetNonblock(s.fd, true); err != nil {
			return classify("fcntl(O_NONBLOCK)", err.(unix.Errno))
		}
	}

	if o.NoFragment {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
			return classify("setsockopt(IP_MTU_DISCOVER)", err.(unix.Errno))
		}
	}

	if o.GSOSize > 0 {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_UDP, unix.UDP_SEGMENT, int(o.GSOSize)); err != nil {
			return classify("setsockopt(UDP_SEGMENT)", err.(unix.Errno))
		}
	}

	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_UDP, unix.UDP_GRO, boolToInt(o.GRO)); err != nil {
		return classify("setsockopt(UDP_GRO)", err.(unix.Errno))
	}

	if o.PacingRate > 0 {
		if err := unix.SetsockoptUint64(s.fd, unix.SOL_SOCKET, unix.SO_MAX_PACING_RATE, o.PacingRate); err != nil {
			return classify("setsockopt(SO_MAX_PACING_RATE)", err.(unix.Errno))
		}
	}

	if o.SendBufSize > 0 {
		if err := s.setVerifiedBufferSize(unix.SO_SNDBUF, o.SendBufSize); err != nil {
			return err
		}
	}
	if o.RecvBufSize > 0 {
		if err := s.setVerifiedBufferSize(unix.SO_RCVBUF, o.RecvBufSize); err != nil {
			return err
		}
	}
	return nil
}

// setVerifiedBufferSize sets SO_SNDBUF/SO_RCVBUF and confirms the kernel
// actually doubled the requested size (Linux's documented behavior),
// failing loudly rather than silently running with a too-small buffer.
func (s *Socket) setVerifiedBufferSize(which int, size uint32) error {
	name := "SO_SNDBUF"
	if which == unix.SO_RCVBUF {
		name = "SO_RCVBUF"
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, which, int(size)); err != nil {
		return classify(fmt.Sprintf("setsockopt(%s)", name), err.(unix.Errno))
	}
	current, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, which)
	if err != nil {
		return classify(fmt.Sprintf("getsockopt(%s)", name), err.(unix.Errno))
	}
	if uint32(current) < size*2 {
		return fmt.Errorf("socket: %s: kernel allocated %d, wanted at least %d (requested %d, doubled)", name, current, size*2, size)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Bind binds the socket to its configured ip:port.
func (s *Socket) Bind() error {
	addr := &unix.SockaddrInet4{Port: int(s.port)}
	copy(addr.Addr[:], s.ip)
	if err := unix.Bind(s.fd, addr); err != nil {
		return classify("bind", err.(unix.Errno))
	}
	return nil
}

// BindLocal binds the socket to INADDR_ANY:port, used by a sender that
// wants a fixed local port (for port-sharded deployments) before Connect
// dials the remote peer configured at construction.
func (s *Socket) BindLocal(port uint16) error {
	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(s.fd, addr); err != nil {
		return classify("bind", err.(unix.Errno))
	}
	return nil
}

// Connect connects the socket to its configured ip:port, the common case
// for a sender that never changes peer mid-run.
func (s *Socket) Connect() error {
	addr := &unix.SockaddrInet4{Port: int(s.port)}
	copy(addr.Addr[:], s.ip)
	if err := unix.Connect(s.fd, addr); err != nil {
		return classify("connect", err.(unix.Errno))
	}
	return nil
}

// Send writes buf to the connected peer.
func (s *Socket) Send(buf []byte) (int, error) {
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return 0, classify("send", err.(unix.Errno))
	}
	return n, nil
}

// Sendmsg sends one message described by iov/control/to (to may be nil on
// a connected socket).
func (s *Socket) Sendmsg(iov [][]byte, control []byte, to unix.Sockaddr) (int, error) {
	n, err := unix.SendmsgN(s.fd, concatIov(iov), control, to, 0)
	if err != nil {
		return 0, classify("sendmsg", err.(unix.Errno))
	}
	return n, nil
}

// Sendmmsg sends a batch of messages in one syscall, returning how many
// were accepted by the kernel.
func (s *Socket) Sendmmsg(msgs []unix.Mmsghdr) (int, error) {
	n, err := unix.Sendmmsg(s.fd, msgs, 0)
	if err != nil {
		return n, classify("sendmmsg", err.(unix.Errno))
	}
	return n, nil
}

// Recv reads into buf from the connected peer.
func (s *Socket) Recv(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return 0, classify("recv", err.(unix.Errno))
	}
	return n, nil
}

// Recvmsg reads one message into buf, filling control and returning the
// sender's address on an unconnected socket.
func (s *Socket) Recvmsg(buf []byte, control []byte) (n int, from unix.Sockaddr, oob int, err error) {
	n, oob, _, from, err = unix.Recvmsg(s.fd, buf, control, 0)
	if err != nil {
		return 0, nil, 0, classify("recvmsg", err.(unix.Errno))
	}
	return n, from, oob, nil
}

// Recvmmsg reads a batch of messages in one syscall.
func (s *Socket) Recvmmsg(msgs []unix.Mmsghdr, flags int) (int, error) {
	n, err := unix.Recvmmsg(s.fd, msgs, flags, nil)
	if err != nil {
		return n, classify("recvmmsg", err.(unix.Errno))
	}
	return n, nil
}

// PollResult reports what Select/Poll observed.
type PollResult struct {
	Ready   bool
	Timeout bool
}

// Select waits up to timeout for the socket to become readable/writable.
func (s *Socket) Select(wantRead, wantWrite bool, timeout time.Duration) (PollResult, error) {
	var readFds, writeFds *unix.FdSet
	if wantRead {
		readFds = &unix.FdSet{}
		fdSet(readFds, s.fd)
	}
	if wantWrite {
		writeFds = &unix.FdSet{}
		fdSet(writeFds, s.fd)
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(s.fd+1, readFds, writeFds, nil, &tv)
	if err != nil {
		return PollResult{}, classify("select", err.(unix.Errno))
	}
	return PollResult{Ready: n > 0, Timeout: n == 0}, nil
}

// Poll waits up to timeout for events on the socket.
func (s *Socket) Poll(events int16, timeout time.Duration) (PollResult, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return PollResult{}, classify("poll", err.(unix.Errno))
	}
	return PollResult{Ready: n > 0, Timeout: n == 0}, nil
}

// GetPathMSS derives the path MSS from the kernel's IP_MTU estimate
// (MTU minus the IPv4 and UDP headers), matching get_mss's derivation.
func (s *Socket) GetPathMSS() (uint32, error) {
	mtu, err := unix.GetsockoptInt(s.fd, unix.IPPROTO_IP, unix.IP_MTU)
	if err != nil {
		return 0, classify("getsockopt(IP_MTU)", err.(unix.Errno))
	}
	return uint32(mtu) - 20 - 8, nil
}

// Fd returns the raw file descriptor, for handing to internal/uring.
func (s *Socket) Fd() int { return s.fd }

// SetPacingRate updates SO_MAX_PACING_RATE on the live socket, letting a
// caller retune pacing mid-run rather than only at construction time.
func (s *Socket) SetPacingRate(rate uint64) error {
	if err := unix.SetsockoptUint64(s.fd, unix.SOL_SOCKET, unix.SO_MAX_PACING_RATE, rate); err != nil {
		return classify("setsockopt(SO_MAX_PACING_RATE)", err.(unix.Errno))
	}
	s.options.PacingRate = rate
	return nil
}

// Close releases the underlying file descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func concatIov(iov [][]byte) []byte {
	if len(iov) == 1 {
		return iov[0]
	}
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range iov {
		out = append(out, b...)
	}
	return out
}
