package report

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/scenario"
)

func attempt(id, scenarioID string, state scenario.State) *scenario.RunAttempt {
	return &scenario.RunAttempt{
		ID: id,
		Scenario: scenario.Scenario{
			VPN: scenarioID, Topology: "direct", Tool: "iperf3", Direction: "upload",
		},
		State: state,
	}
}

func TestManifestStoreFlushesEveryMutation(t *testing.T) {
	dir := t.TempDir()
	s, err := NewManifestStore(dir)
	require.NoError(t, err)
	require.NotEmpty(t, s.Manifest().RunID)

	// The empty manifest is already on disk.
	onDisk := readManifest(t, s.Path())
	assert.Equal(t, s.Manifest().RunID, onDisk.RunID)

	require.NoError(t, s.RecordAttempt(attempt("a1", "none", scenario.StateSucceeded)))
	onDisk = readManifest(t, s.Path())
	require.Len(t, onDisk.Attempts, 1)

	bps := 100.0
	require.NoError(t, s.RecordMeasurement(&Measurement{
		ScenarioID:    "none/direct/iperf3/upload",
		Timestamp:     time.Now().UTC(),
		ThroughputBps: &bps,
	}))
	onDisk = readManifest(t, s.Path())
	require.Len(t, onDisk.Measurements, 1)
}

func TestManifestStoreUpdatesAttemptByID(t *testing.T) {
	s, err := NewManifestStore(t.TempDir())
	require.NoError(t, err)

	a := attempt("a1", "none", scenario.StateDispatched)
	require.NoError(t, s.RecordAttempt(a))

	a.State = scenario.StateSucceeded
	a.Retries = 2
	require.NoError(t, s.RecordAttempt(a))

	onDisk := readManifest(t, s.Path())
	require.Len(t, onDisk.Attempts, 1, "re-recording an attempt must not duplicate it")
	assert.Equal(t, scenario.StateSucceeded, onDisk.Attempts[0].State)
	assert.Equal(t, 2, onDisk.Attempts[0].Retries)
}

func TestManifestStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewManifestStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.SetFleet(&fleet.Fleet{
		ID:   "fleet-1",
		Spec: fleet.FleetSpec{Region: "us-east-1", MachineType: "t3.medium"},
		VMs: []fleet.VM{
			{Name: "server", Role: fleet.RoleServer, InstanceID: "i-1", PublicAddr: "1.2.3.4", State: fleet.StateRunning},
		},
	}))
	require.NoError(t, s.RecordAttempt(attempt("a1", "none", scenario.StateSucceeded)))
	require.NoError(t, s.RecordAttempt(attempt("a2", "wireguard", scenario.StateFailed)))

	reopened, err := OpenManifestStore(dir)
	require.NoError(t, err)
	m := reopened.Manifest()
	assert.Equal(t, s.Manifest().RunID, m.RunID)
	assert.Equal(t, "fleet-1", m.Fleet.ID)
	assert.Equal(t, "us-east-1", m.Fleet.Region)
	require.Len(t, m.Attempts, 2)

	// Resume helper: only the SUCCEEDED attempt counts as completed.
	assert.NotNil(t, m.SucceededAttempt("none/direct/iperf3/upload"))
	assert.Nil(t, m.SucceededAttempt("wireguard/direct/iperf3/upload"))
}

func TestOpenManifestStoreMissingDir(t *testing.T) {
	_, err := OpenManifestStore(t.TempDir())
	require.Error(t, err)
}

func TestManifestNeverLeavesTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := NewManifestStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.RecordAttempt(attempt("a1", "none", scenario.StateSucceeded)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "manifest.json", entries[0].Name())
}

func readManifest(t *testing.T, path string) *RunManifest {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	m := &RunManifest{}
	require.NoError(t, json.Unmarshal(data, m))
	return m
}
