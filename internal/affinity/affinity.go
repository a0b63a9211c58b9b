// Package affinity pins the calling OS thread to a specific logical CPU so
// a worker's hot loop doesn't migrate cores mid-measurement, generalized
// from the teacher's WebSocket-worker pinning (affinity/, internal/concurrency's
// pin_linux/pin_linux_nocgo pair) to nperf's sender/receiver worker threads.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package affinity

// Pin locks the calling goroutine to its current OS thread
// (runtime.LockOSThread) and sets that thread's affinity mask to cpuID.
// On platforms other than Linux it returns an error.
func Pin(cpuID int) error {
	return pinPlatform(cpuID)
}

// NumCPU returns the number of logical CPUs available to the process, for
// bounding a configured --cpu index against reality.
func NumCPU() int {
	return numCPUPlatform()
}
