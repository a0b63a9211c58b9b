package affinity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNumCPUIsPositive(t *testing.T) {
	require.Greater(t, NumCPU(), 0)
}

func TestPinToCurrentCPUSucceeds(t *testing.T) {
	// Pinning to CPU 0 must succeed on any machine with at least one core.
	err := Pin(0)
	require.NoError(t, err)
}
