//go:build linux

package uring

import (
	"testing"

	"github.com/eapache/queue"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestConfigValidateRejectsNonPowerOfTwoCapacity(t *testing.T) {
	c := Config{Capacity: 3, BurstSize: 0}
	require.Error(t, c.Validate())
}

func TestConfigValidateRejectsBurstExceedingCapacity(t *testing.T) {
	c := Config{Capacity: 8, BurstSize: 16}
	require.Error(t, c.Validate())
}

func TestConfigValidateRejectsSQPollWithTaskrunFlags(t *testing.T) {
	c := Config{Capacity: 8, SQPoll: true, CooperativeTaskrun: true}
	require.Error(t, c.Validate())

	c2 := Config{Capacity: 8, SQPoll: true, DeferredTaskrun: true}
	require.Error(t, c2.Validate())
}

func TestConfigValidateAcceptsSaneConfig(t *testing.T) {
	c := Config{Capacity: 1024, BurstSize: 32, Fill: FillBurst, Mode: ModeNormal}
	require.NoError(t, c.Validate())
}

func TestClassifyNormalPositiveResultIsAccounted(t *testing.T) {
	require.Equal(t, OutcomeAccounted, classifyNormal(128))
}

func TestClassifyNormalZeroResultIsNoop(t *testing.T) {
	require.Equal(t, OutcomeNoop, classifyNormal(0))
}

func TestClassifyNormalEAgain(t *testing.T) {
	require.Equal(t, OutcomeEAgain, classifyNormal(-int32(unix.EAGAIN)))
}

func TestClassifyNormalConnRefusedIsPeerUnreachable(t *testing.T) {
	require.Equal(t, OutcomePeerUnreachable, classifyNormal(-int32(unix.ECONNREFUSED)))
}

func TestClassifyNormalENoBufsIsOutOfBuffers(t *testing.T) {
	require.Equal(t, OutcomeOutOfBuffers, classifyNormal(-int32(unix.ENOBUFS)))
}

func TestClassifyNormalOtherNegativeIsIOFailure(t *testing.T) {
	require.Equal(t, OutcomeIOFailure, classifyNormal(-int32(unix.EPERM)))
}

func TestEngineClassifyZeroCopySendDistinguishesMoreFromNotif(t *testing.T) {
	e := &Engine{cfg: Config{Mode: ModeZeroCopySend}, pendingNotif: map[int]bool{5: true}}

	more := e.classify(&cqe{UserData: 5, Res: 100, Flags: cqeFMore})
	require.Equal(t, OutcomeMore, more.Outcome)
	require.True(t, e.pendingNotif[5])

	notif := e.classify(&cqe{UserData: 5, Res: 0, Flags: cqeFNotif})
	require.Equal(t, OutcomeNotif, notif.Outcome)
	require.False(t, e.pendingNotif[5])
}

func TestEngineClassifyMultishotDetectsCancellation(t *testing.T) {
	e := &Engine{cfg: Config{Mode: ModeMultishot}}

	ongoing := e.classify(&cqe{UserData: 1, Res: 64, Flags: cqeFMore})
	require.Equal(t, OutcomeAccounted, ongoing.Outcome)

	canceled := e.classify(&cqe{UserData: 1, Res: 0, Flags: 0})
	require.Equal(t, OutcomeCanceledMultishot, canceled.Outcome)
}

func TestEngineClassifyProvidedBufferExtractsBufferID(t *testing.T) {
	e := &Engine{cfg: Config{Mode: ModeProvidedBuffer}}
	c := e.classify(&cqe{Res: 256, Flags: (7 << 16) | cqeFBuffer})
	require.Equal(t, uint16(7), c.BufferID)
	require.Equal(t, OutcomeAccounted, c.Outcome)
}

func TestShouldTopUpBurstThreshold(t *testing.T) {
	e := &Engine{cfg: Config{Capacity: 1024, BurstSize: 64}}
	require.True(t, e.ShouldTopUpBurst(900))
	require.False(t, e.ShouldTopUpBurst(1000))
}

func TestMinCompleteByFillMode(t *testing.T) {
	topup := &Engine{cfg: Config{Fill: FillTopup, BurstSize: 64}}
	require.EqualValues(t, 1, topup.MinComplete())

	burst := &Engine{cfg: Config{Fill: FillBurst, BurstSize: 64}}
	require.EqualValues(t, 64, burst.MinComplete())
}

func TestEnqueueAddsToBacklog(t *testing.T) {
	e := &Engine{backlog: queue.New()}
	e.Enqueue(3)
	require.Equal(t, 1, e.backlog.Length())
}
