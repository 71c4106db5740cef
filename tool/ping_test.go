package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pingSampleOutput = `PING 10.99.0.1 (10.99.0.1) 56(84) bytes of data.
64 bytes from 10.99.0.1: icmp_seq=1 ttl=64 time=0.42 ms
64 bytes from 10.99.0.1: icmp_seq=2 ttl=64 time=0.40 ms

--- 10.99.0.1 ping statistics ---
2 packets transmitted, 2 received, 0% packet loss, time 201ms
rtt min/avg/max/mdev = 0.401/0.413/0.425/0.012 ms
`

func TestPingParseOutput(t *testing.T) {
	tl, err := NewPingTool(&PingInput{})
	require.NoError(t, err)

	result, err := tl.ParseOutput([]byte(pingSampleOutput), DirectionUpload)
	require.NoError(t, err)
	require.NotNil(t, result.LatencyMs)
	assert.Equal(t, 0.413, *result.LatencyMs)
	assert.Nil(t, result.ThroughputBps, "ping does not measure throughput")
}

func TestPingParseOutputBSDSummary(t *testing.T) {
	raw := "round-trip min/avg/max/stddev = 0.050/0.061/0.083/0.010 ms\n"
	tl, err := NewPingTool(&PingInput{})
	require.NoError(t, err)

	result, err := tl.ParseOutput([]byte(raw), DirectionUpload)
	require.NoError(t, err)
	assert.Equal(t, 0.061, *result.LatencyMs)
}

func TestPingParseOutputNoSummary(t *testing.T) {
	tl, err := NewPingTool(&PingInput{})
	require.NoError(t, err)

	_, err = tl.ParseOutput([]byte("ping: connect: Network is unreachable\n"), DirectionUpload)
	require.ErrorContains(t, err, "can't find rtt summary")
}

func TestPingCommands(t *testing.T) {
	tl, err := NewPingTool(&PingInput{Count: 5, IntervalSec: 0.5})
	require.NoError(t, err)

	assert.Equal(t, "ping -c 5 -i 0.5 10.99.0.1", tl.ClientCommand("10.99.0.1", DirectionUpload))
	assert.False(t, tl.NeedsServer())
	assert.Equal(t, 0, tl.Port())
}
