//go:build linux

package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestClassifyMapsKnownErrnos(t *testing.T) {
	require.Equal(t, KindPeerUnreachable, classify("x", unix.ECONNREFUSED).Kind)
	require.Equal(t, KindWouldBlock, classify("x", unix.EAGAIN).Kind)
	require.Equal(t, KindOversize, classify("x", unix.EMSGSIZE).Kind)
	require.Equal(t, KindIOFailure, classify("x", unix.EINVAL).Kind)
}

func TestSendRecvLoopback(t *testing.T) {
	recv, err := New(net.IPv4(127, 0, 0, 1), 0, Options{Nonblocking: false})
	require.NoError(t, err)
	defer recv.Close()
	require.NoError(t, recv.Bind())

	addr, err := unix.Getsockname(recv.Fd())
	require.NoError(t, err)
	port := addr.(*unix.SockaddrInet4).Port

	sender, err := New(net.IPv4(127, 0, 0, 1), uint16(port), Options{})
	require.NoError(t, err)
	defer sender.Close()
	require.NoError(t, sender.Connect())

	payload := []byte("hello nperf")
	n, err := sender.Send(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	result, err := recv.Poll(unix.POLLIN, 2*time.Second)
	require.NoError(t, err)
	require.True(t, result.Ready)

	buf := make([]byte, 1500)
	n, err = recv.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestPollTimesOutWithNoData(t *testing.T) {
	s, err := New(net.IPv4(127, 0, 0, 1), 0, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Bind())

	result, err := s.Poll(unix.POLLIN, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, result.Ready)
	require.True(t, result.Timeout)
}

func TestGetPathMSSReturnsPositiveValue(t *testing.T) {
	s, err := New(net.IPv4(127, 0, 0, 1), 1, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Connect()) // IP_MTU requires a connected socket

	mss, err := s.GetPathMSS()
	require.NoError(t, err)
	require.Greater(t, mss, uint32(0))
}
