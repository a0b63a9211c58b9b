//go:build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package affinity

import (
	"errors"
	"runtime"
)

func pinPlatform(cpuID int) error {
	return errors.New("affinity: CPU pinning is not supported on this platform")
}

func numCPUPlatform() int {
	return runtime.NumCPU()
}
