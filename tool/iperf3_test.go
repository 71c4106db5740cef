package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iperf3SampleOutput = `{
  "end": {
    "sum_sent": {
      "bits_per_second": 9414000000.5,
      "retransmits": 12
    },
    "sum_received": {
      "bits_per_second": 9381000000.25
    },
    "cpu_utilization_percent": {
      "host_total": 22.1,
      "remote_total": 19.4
    }
  }
}`

func TestIperf3ParseOutput(t *testing.T) {
	tl, err := NewIperf3Tool(&Iperf3Input{})
	require.NoError(t, err)

	result, err := tl.ParseOutput([]byte(iperf3SampleOutput), DirectionUpload)
	require.NoError(t, err)

	require.NotNil(t, result.ThroughputBps)
	assert.Equal(t, 9381000000.25, *result.ThroughputBps, "receiver-side rate wins")
	require.NotNil(t, result.Retransmits)
	assert.Equal(t, int64(12), *result.Retransmits)
	require.NotNil(t, result.CPUPercentHost)
	assert.Equal(t, 22.1, *result.CPUPercentHost)
	require.NotNil(t, result.CPUPercentRemote)
	assert.Equal(t, 19.4, *result.CPUPercentRemote)
	assert.Nil(t, result.LatencyMs, "iperf3 does not measure latency")
}

func TestIperf3ParseOutputWithoutRetransmits(t *testing.T) {
	// UDP runs and some platforms omit retransmits entirely.
	raw := `{"end": {"sum_received": {"bits_per_second": 100.0}, "cpu_utilization_percent": {"host_total": 1, "remote_total": 2}}}`
	tl, err := NewIperf3Tool(&Iperf3Input{})
	require.NoError(t, err)

	result, err := tl.ParseOutput([]byte(raw), DirectionUpload)
	require.NoError(t, err)
	assert.Nil(t, result.Retransmits, "absent retransmits must stay absent, not zero")
}

func TestIperf3ParseOutputWithoutCPU(t *testing.T) {
	raw := `{"end": {"sum_received": {"bits_per_second": 100.0}}}`
	tl, err := NewIperf3Tool(&Iperf3Input{})
	require.NoError(t, err)

	result, err := tl.ParseOutput([]byte(raw), DirectionUpload)
	require.NoError(t, err)
	assert.Nil(t, result.CPUPercentHost, "absent CPU figures must stay absent, not zero")
	assert.Nil(t, result.CPUPercentRemote)
}

func TestIperf3ParseOutputErrors(t *testing.T) {
	tl, err := NewIperf3Tool(&Iperf3Input{})
	require.NoError(t, err)

	_, err = tl.ParseOutput([]byte("not json"), DirectionUpload)
	require.ErrorContains(t, err, "can't parse iperf3 JSON output")

	_, err = tl.ParseOutput([]byte(`{"error": "unable to connect to server"}`), DirectionUpload)
	require.ErrorContains(t, err, "unable to connect to server")

	_, err = tl.ParseOutput([]byte(`{"end": {}}`), DirectionUpload)
	require.ErrorContains(t, err, "no throughput")
}

func TestIperf3Commands(t *testing.T) {
	tl, err := NewIperf3Tool(&Iperf3Input{Port: 5999, DurationSec: 5, Parallel: 2})
	require.NoError(t, err)

	assert.Equal(t, "iperf3 -s --one-off -p 5999", tl.ServerCommand())
	assert.Equal(t, "iperf3 -c 10.99.0.1 -p 5999 -t 5 -P 2 --json", tl.ClientCommand("10.99.0.1", DirectionUpload))
	assert.Equal(t, "iperf3 -c 10.99.0.1 -p 5999 -t 5 -P 2 --json -R", tl.ClientCommand("10.99.0.1", DirectionDownload))
	assert.True(t, tl.NeedsServer())
	assert.Equal(t, 5999, tl.Port())
}

func TestIperf3ParseVersion(t *testing.T) {
	tl, err := NewIperf3Tool(&Iperf3Input{})
	require.NoError(t, err)
	vc := tl.(VersionChecker)

	v, err := vc.ParseVersion([]byte("iperf 3.12 (cJSON 1.7.15)\nLinux bench 5.15.0\n"))
	require.NoError(t, err)
	assert.Equal(t, "3.12", v)

	_, err = vc.ParseVersion([]byte("garbage"))
	require.Error(t, err)
}

func TestIperf3RegistryDecodesInput(t *testing.T) {
	tl, err := NewTool("iperf3", map[string]any{"DurationSec": 30, "Port": 5300})
	require.NoError(t, err)
	assert.Contains(t, tl.ClientCommand("h", DirectionUpload), "-t 30")
	assert.Equal(t, 5300, tl.Port())
	assert.Equal(t, 30, tl.GetInput()["DurationSec"])
}
