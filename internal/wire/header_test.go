package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Type: TypeInit, StreamID: 0, Sequence: 0},
		{Type: TypeMeasurement, StreamID: 1023, Sequence: 1},
		{Type: TypeLast, StreamID: 512, Sequence: 1<<64 - 1},
		{Type: TypeMeasurement, StreamID: 7, Sequence: 42},
	}
	for _, want := range cases {
		buf := make([]byte, HeaderSize)
		require.NoError(t, want.Serialize(buf))
		got, err := Deserialize(buf)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDeserializeShortBuffer(t *testing.T) {
	_, err := Deserialize(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestDeserializeInvalidType(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 99
	_, err := Deserialize(buf)
	require.ErrorIs(t, err, ErrInvalidType)
}

func TestDeserializeStreamIDOutOfBounds(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{Type: TypeInit, StreamID: MaxStreams, Sequence: 0}
	require.NoError(t, h.Serialize(buf))
	_, err := Deserialize(buf)
	require.ErrorIs(t, err, ErrStreamIDOOB)
}

func TestFillPatternCyclesZeroToNine(t *testing.T) {
	buf := make([]byte, 25)
	FillPattern(buf)
	for i, b := range buf {
		require.Equal(t, byte(48+(i%10)), b, "index %d", i)
	}
}

func TestSplitSubDatagramsWholeWhenNoSubSize(t *testing.T) {
	payload := make([]byte, 100)
	parts := SplitSubDatagrams(payload, 0)
	require.Len(t, parts, 1)
	require.Equal(t, 100, len(parts[0]))
}

func TestSplitSubDatagramsChunks(t *testing.T) {
	payload := make([]byte, 100)
	parts := SplitSubDatagrams(payload, 30)
	require.Len(t, parts, 4)
	require.Equal(t, 30, len(parts[0]))
	require.Equal(t, 10, len(parts[3]))
}

func TestStampAggregateSequencesIncrement(t *testing.T) {
	buf := make([]byte, 60)
	count, err := StampAggregate(buf, 20, TypeMeasurement, 3, 100)
	require.NoError(t, err)
	require.Equal(t, 3, count)
	for i := 0; i < 3; i++ {
		h, err := Deserialize(buf[i*20:])
		require.NoError(t, err)
		require.Equal(t, uint64(100+i), h.Sequence)
		require.Equal(t, uint16(3), h.StreamID)
	}
}
