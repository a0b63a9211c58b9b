package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nperf-go/nperf/internal/uring"
)

func TestBufferPoolCapacityAsyncRingIsCapacityTimesFour(t *testing.T) {
	p := Parameter{IOModel: IOAsyncRing, RingCapacity: 256}
	require.Equal(t, 1024, p.bufferPoolCapacity())
}

func TestBufferPoolCapacitySyncUsesBatchWidth(t *testing.T) {
	p := Parameter{IOModel: IOSelect, BatchWidth: 20}
	require.Equal(t, 20, p.bufferPoolCapacity())
}

func TestBufferPoolCapacityDefaultsToOne(t *testing.T) {
	p := Parameter{IOModel: IOBusy}
	require.Equal(t, 1, p.bufferPoolCapacity())
}

func TestBufferPoolCapacityAsyncRingIgnoresBatchWidth(t *testing.T) {
	p := Parameter{IOModel: IOAsyncRing, RingCapacity: 64, BatchWidth: 20, AsyncSubMode: uring.ModeNormal}
	require.Equal(t, 256, p.bufferPoolCapacity())
}
