// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock-free ring buffer used by internal/bufpool as the descriptor
// free-list. CPU pinning lives in internal/affinity; this package no
// longer carries the event-loop/executor/scheduler primitives the
// original WebSocket library used them for, since the worker datapath
// (internal/worker) is a single cooperative loop per goroutine with no
// reactor or thread pool of its own.
package concurrency
