//go:build linux

package uring

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildRecvmsgOut(payload []byte) []byte {
	buf := make([]byte, recvmsgOutHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], 0)                     // Namelen
	binary.LittleEndian.PutUint32(buf[4:8], 0)                     // Controllen
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload))) // Payloadlen
	binary.LittleEndian.PutUint32(buf[12:16], 0)                   // Flags
	copy(buf[recvmsgOutHeaderSize:], payload)
	return buf
}

func TestParseRecvmsgOutExtractsPayload(t *testing.T) {
	want := []byte("hello provided-buffer world")
	buf := buildRecvmsgOut(want)

	got, err := ParseRecvmsgOut(buf)

	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestParseRecvmsgOutRejectsTruncatedHeader(t *testing.T) {
	_, err := ParseRecvmsgOut(make([]byte, recvmsgOutHeaderSize-1))

	require.Error(t, err)
}

func TestParseRecvmsgOutClampsPayloadlenPastSlotEnd(t *testing.T) {
	buf := buildRecvmsgOut([]byte("short"))
	// Claim more payload than the slot actually holds.
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(buf)))

	got, err := ParseRecvmsgOut(buf)

	require.NoError(t, err)
	require.Equal(t, buf[recvmsgOutHeaderSize:], got)
}

func TestParseRecvmsgOutEmptyPayload(t *testing.T) {
	buf := buildRecvmsgOut(nil)

	got, err := ParseRecvmsgOut(buf)

	require.NoError(t, err)
	require.Empty(t, got)
}
