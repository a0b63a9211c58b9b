// Package wire implements the fixed-width message header and segmentation
// aggregate layout shared by the sender and receiver datapaths.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A segmentation aggregate is a single application buffer the kernel splits
// into multiple wire datagrams via UDP-GSO; each sub-datagram starts with a
// HeaderSize-byte MessageHeader so the receiver can recover per-datagram
// sequence numbers after GRO coalesces them back into one read.
package wire

import (
	"encoding/binary"
	"errors"
)

// MessageType identifies the three control/data message kinds on the wire.
type MessageType uint8

const (
	TypeInit        MessageType = 0
	TypeMeasurement MessageType = 1
	TypeLast        MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeInit:
		return "INIT"
	case TypeMeasurement:
		return "MEASUREMENT"
	case TypeLast:
		return "LAST"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the fixed wire size of a MessageHeader in bytes.
const HeaderSize = 14

// MaxStreams bounds the stream-id namespace (spec §6 MAX_STREAMS).
const MaxStreams = 1024

// MaxDatagramSize is the largest payload a single UDP datagram may carry.
const MaxDatagramSize = 65507

var (
	ErrShortBuffer  = errors.New("wire: buffer shorter than header size")
	ErrInvalidType  = errors.New("wire: unknown message type")
	ErrStreamIDOOB  = errors.New("wire: stream-id out of range")
)

// Header is the 14-byte wire-format header prefixing every sub-datagram:
// {type u8, stream-id u16, sequence u64}, big-endian.
type Header struct {
	Type     MessageType
	StreamID uint16
	Sequence uint64
}

// Serialize writes h into the first HeaderSize bytes of buf.
func (h Header) Serialize(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[1:3], h.StreamID)
	binary.BigEndian.PutUint64(buf[3:11], h.Sequence)
	// bytes [11:14] are reserved padding to round the header to 14 bytes.
	buf[11], buf[12], buf[13] = 0, 0, 0
	return nil
}

// Deserialize reads a Header from the first HeaderSize bytes of buf.
func Deserialize(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	h := Header{
		Type:     MessageType(buf[0]),
		StreamID: binary.BigEndian.Uint16(buf[1:3]),
		Sequence: binary.BigEndian.Uint64(buf[3:11]),
	}
	if h.Type != TypeInit && h.Type != TypeMeasurement && h.Type != TypeLast {
		return Header{}, ErrInvalidType
	}
	if h.StreamID >= MaxStreams {
		return Header{}, ErrStreamIDOOB
	}
	return h, nil
}

// FillPattern writes the printable repeating filler pattern iperf3-style:
// byte i of the buffer becomes the ASCII digit 48 + (i % 10), i.e. the
// repeating run '0'..'9',
// matching the original implementation's fill_with_repeating_pattern.
func FillPattern(buf []byte) {
	var counter byte
	for i := range buf {
		buf[i] = 48 + counter
		if counter == 9 {
			counter = 0
		} else {
			counter++
		}
	}
}

// StampAggregate overwrites the first HeaderSize bytes of each datagramSize
// chunk of buf with a Header carrying consecutive sequence numbers starting
// at firstSequence. Returns the number of sub-datagrams stamped.
func StampAggregate(buf []byte, datagramSize int, typ MessageType, streamID uint16, firstSequence uint64) (int, error) {
	if datagramSize <= 0 {
		return 0, errors.New("wire: datagram size must be positive")
	}
	count := 0
	for off := 0; off+HeaderSize <= len(buf); off += datagramSize {
		h := Header{Type: typ, StreamID: streamID, Sequence: firstSequence + uint64(count)}
		if err := h.Serialize(buf[off:]); err != nil {
			return count, err
		}
		count++
		if off+datagramSize > len(buf) {
			break
		}
	}
	return count, nil
}

// SplitSubDatagrams splits payload into sub-datagrams of subSize bytes each
// (the GRO-reported size, or the whole payload when subSize <= 0 or >= len).
func SplitSubDatagrams(payload []byte, subSize int) [][]byte {
	if subSize <= 0 || subSize >= len(payload) {
		return [][]byte{payload}
	}
	out := make([][]byte, 0, (len(payload)+subSize-1)/subSize)
	for off := 0; off < len(payload); off += subSize {
		end := off + subSize
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[off:end])
	}
	return out
}
