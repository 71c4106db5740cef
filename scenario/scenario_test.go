package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateIsSortedAndComplete(t *testing.T) {
	scenarios := Enumerate(
		[]string{"wireguard", "none", "openvpn"},
		[]string{"tunnel", "direct"},
		[]string{"ping", "iperf3"},
		[]string{"upload", "download"},
		nil,
	)

	require.Len(t, scenarios, 3*2*2*2)

	seen := map[string]bool{}
	for _, s := range scenarios {
		require.False(t, seen[s.ID()], "duplicate scenario %s", s.ID())
		seen[s.ID()] = true
	}

	// Sorted by vpn, then topology, then tool, then direction.
	assert.Equal(t, "none/direct/iperf3/download", scenarios[0].ID())
	assert.Equal(t, "none/direct/iperf3/upload", scenarios[1].ID())
	assert.Equal(t, "wireguard/tunnel/ping/upload", scenarios[len(scenarios)-1].ID())

	// Re-enumerating yields the identical order.
	again := Enumerate(
		[]string{"wireguard", "none", "openvpn"},
		[]string{"tunnel", "direct"},
		[]string{"ping", "iperf3"},
		[]string{"upload", "download"},
		nil,
	)
	assert.Equal(t, scenarios, again)
}

func TestEnumerateExclusions(t *testing.T) {
	scenarios := Enumerate(
		[]string{"none", "wireguard"},
		[]string{"direct", "tunnel"},
		[]string{"iperf3"},
		[]string{"upload"},
		[]Exclusion{
			{VPN: "none", Topology: "tunnel"},
			{VPN: "wireguard", Topology: "direct"},
		},
	)

	require.Len(t, scenarios, 2)
	assert.Equal(t, "none/direct/iperf3/upload", scenarios[0].ID())
	assert.Equal(t, "wireguard/tunnel/iperf3/upload", scenarios[1].ID())
}

func TestExclusionEmptyFieldsMatchAnything(t *testing.T) {
	scenarios := Enumerate(
		[]string{"none", "wireguard"},
		[]string{"direct"},
		[]string{"iperf3", "ping"},
		[]string{"upload"},
		[]Exclusion{{Tool: "ping"}},
	)
	for _, s := range scenarios {
		assert.NotEqual(t, "ping", s.Tool)
	}
	require.Len(t, scenarios, 2)
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateDispatched.Terminal())
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateTimedOut.Terminal())
	assert.True(t, StateSkipped.Terminal())
}
