//go:build linux && cgo

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package affinity

/*
#define _GNU_SOURCE
#include <sched.h>
#include <pthread.h>
#include <errno.h>
#include <sys/sysinfo.h>

static int nperf_setaffinity(int cpu) {
	cpu_set_t set;
	CPU_ZERO(&set);
	CPU_SET(cpu, &set);
	return pthread_setaffinity_np(pthread_self(), sizeof(set), &set);
}
*/
import "C"

import (
	"fmt"
	"runtime"
)

func pinPlatform(cpuID int) error {
	runtime.LockOSThread()
	if ret := C.nperf_setaffinity(C.int(cpuID)); ret != 0 {
		return fmt.Errorf("affinity: pthread_setaffinity_np failed, code %d", ret)
	}
	return nil
}

func numCPUPlatform() int {
	return int(C.get_nprocs())
}
