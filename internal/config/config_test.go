package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/nperf-go/nperf/internal/worker"
)

func newValidConfig() *Config {
	c := &Config{
		Host:             "127.0.0.1",
		BindHost:         "0.0.0.0",
		Port:             5001,
		Exchange:         "one",
		IOModel:          "busy",
		AsyncMode:        "normal",
		DatagramSize:     1024,
		SegmentationSize: 1024,
		BatchWidth:       1,
		SQFillPolicy:     "topup",
		Multiplex:        "individual",
		Workers:          1,
		SQPollCPU:        -1,
		PinCPU:           -1,
		durationParsed:   10 * time.Second,
		intervalParsed:   2 * time.Second,
	}
	return c
}

func TestValidateAcceptsSaneConfig(t *testing.T) {
	c := newValidConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsOversizeDatagram(t *testing.T) {
	c := newValidConfig()
	c.DatagramSize = 70000
	require.Error(t, c.Validate())
}

func TestValidateRejectsIntervalNotDividingDuration(t *testing.T) {
	c := newValidConfig()
	c.intervalParsed = 3 * time.Second
	require.Error(t, c.Validate())
}

func TestValidateRejectsNonPowerOfTwoRingCapacityInUringMode(t *testing.T) {
	c := newValidConfig()
	c.IOModel = "uring"
	c.RingCapacity = 300
	require.Error(t, c.Validate())
}

func TestValidateRejectsRingCapacityAboveCeiling(t *testing.T) {
	c := newValidConfig()
	c.IOModel = "uring"
	c.RingCapacity = 4096
	require.Error(t, c.Validate())
}

func TestValidateRejectsProvidedBufferWithGRO(t *testing.T) {
	c := newValidConfig()
	c.IOModel = "uring"
	c.AsyncMode = "provided-buffer"
	c.RingCapacity = 256
	c.GRO = true
	require.Error(t, c.Validate())
}

func TestValidateAcceptsProvidedBufferWithoutGRO(t *testing.T) {
	c := newValidConfig()
	c.IOModel = "uring"
	c.AsyncMode = "provided-buffer"
	c.RingCapacity = 256
	require.NoError(t, c.Validate())
}

func TestValidateRejectsSubmissionBatchExceedingCapacity(t *testing.T) {
	c := newValidConfig()
	c.IOModel = "uring"
	c.RingCapacity = 256
	c.SubmissionBatch = 512
	require.Error(t, c.Validate())
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	c := newValidConfig()
	c.Workers = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownExchange(t *testing.T) {
	c := newValidConfig()
	c.Exchange = "bogus"
	require.Error(t, c.Validate())
}

func TestValidateRejectsMissingHostAndBind(t *testing.T) {
	c := newValidConfig()
	c.Host = ""
	c.BindHost = ""
	require.Error(t, c.Validate())
}

func TestToParameterGeneratesRunIDWhenEmpty(t *testing.T) {
	c := newValidConfig()
	p, err := c.ToParameter(worker.ModeSender, 0)
	require.NoError(t, err)
	require.NotEmpty(t, p.RunID)
}

func TestToParameterPreservesSuppliedRunID(t *testing.T) {
	c := newValidConfig()
	c.RunID = "fixed-run"
	p, err := c.ToParameter(worker.ModeSender, 0)
	require.NoError(t, err)
	require.Equal(t, "fixed-run", p.RunID)
}

func TestToParameterRejectsInvalidHost(t *testing.T) {
	c := newValidConfig()
	c.Host = "not-an-ip"
	_, err := c.ToParameter(worker.ModeSender, 0)
	require.Error(t, err)
}

func TestRegisterFlagsBindsEveryFlag(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c := &Config{}
	RegisterFlags(fs, c)

	require.NoError(t, fs.Parse([]string{"--host=10.0.0.1", "--port=9000", "--exchange=mmsg"}))
	require.Equal(t, "10.0.0.1", c.Host)
	require.Equal(t, uint16(9000), c.Port)
	require.Equal(t, "mmsg", c.Exchange)
}
