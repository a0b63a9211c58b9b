//go:build linux

// Package uring implements the io_uring-backed asynchronous engine: ring
// setup, the four submission sub-modes (normal, provided-buffer,
// multishot, zero-copy-send), and the three SQ-fill policies (topup,
// burst, syscall) that control how aggressively each worker iteration
// replenishes the submission queue.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package uring

// Raw io_uring syscall numbers (x86_64), absent from golang.org/x/sys/unix.
const (
	sysIoUringSetup    = 425
	sysIoUringEnter    = 426
	sysIoUringRegister = 427
)

// Opcodes this engine issues.
const (
	opRecvmsg         = 10
	opSendmsg         = 9
	opReadFixed       = 4
	opProvideBuffers  = 31
	opRemoveBuffers   = 32
	opSendZC          = 47 // IORING_OP_SEND_ZC
	opSendmsgZC       = 48 // IORING_OP_SENDMSG_ZC
	opRecvmsgMulti    = opRecvmsg
	opTimeout         = 11
)

// Setup flags (IORING_SETUP_*).
const (
	setupIOPoll       uint32 = 1 << 0
	setupSQPoll       uint32 = 1 << 1
	setupSQAff        uint32 = 1 << 2
	setupCQSize       uint32 = 1 << 3
	setupClamp        uint32 = 1 << 4
	setupCoopTaskrun  uint32 = 1 << 8
	setupTaskrunFlag  uint32 = 1 << 9
	setupSingleIssuer uint32 = 1 << 12
	setupDeferTaskrun uint32 = 1 << 13
)

// Feature flags (IORING_FEAT_*).
const (
	featSingleMmap uint32 = 1 << 0
	featFastPoll   uint32 = 1 << 5
	featExtArg     uint32 = 1 << 8
)

// Enter flags (IORING_ENTER_*).
const (
	enterGetevents uint32 = 1 << 0
	enterSQWakeup  uint32 = 1 << 1
	enterExtArg    uint32 = 1 << 3
)

// SQE flags (IOSQE_*).
const (
	sqeIOLink        uint8 = 1 << 2
	sqeBufferSelect  uint8 = 1 << 5
)

// CQE flags (IORING_CQE_F_*).
const (
	cqeFBuffer uint32 = 1 << 0
	cqeFMore   uint32 = 1 << 1
	cqeFNotif  uint32 = 1 << 3
)

// Register opcodes used to install a provided-buffer ring.
const (
	registerPBufRing   uint32 = 22
	unregisterPBufRing uint32 = 23
)

// sqPollIdleMillis is the SQPOLL kernel thread idle timeout before it
// parks itself, per spec.md §4.C5.
const sqPollIdleMillis uint32 = 2000

// waitTimeoutMillis bounds every blocking wait so the outer worker loop
// can observe interval expiry and termination predicates even without
// traffic, per spec.md §4.C5.
const waitTimeoutMillis = 10

// additionalBufferLength pads each provided-buffer slot beyond the MSS so
// a GSO-aggregated read never truncates (spec.md §4.C5's "mss + 40 bytes
// extra header room").
const additionalBufferLength = 40
