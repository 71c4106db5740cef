package lifecycle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelbench/tunnelbench/deploy"
	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/provisioner"
	"github.com/tunnelbench/tunnelbench/report"
	"github.com/tunnelbench/tunnelbench/retry"
	"github.com/tunnelbench/tunnelbench/scenario"
	"github.com/tunnelbench/tunnelbench/target"
	"github.com/tunnelbench/tunnelbench/tool"
	"github.com/tunnelbench/tunnelbench/vpn"
)

const iperf3CannedOutput = `{
  "end": {
    "sum_sent": {"bits_per_second": 9414000000, "retransmits": 12},
    "sum_received": {"bits_per_second": 9381000000},
    "cpu_utilization_percent": {"host_total": 22.1, "remote_total": 19.4}
  }
}`

func pairSpec() fleet.FleetSpec {
	return fleet.FleetSpec{
		Region:      "us-east-1",
		MachineType: "t3.medium",
		Machines: []fleet.MachineSpec{
			{Name: "server", Role: fleet.RoleServer},
			{Name: "client", Role: fleet.RoleClient},
		},
	}
}

// scriptFleet cans every command the pipeline issues so a full run works
// against the fake provisioner.
func scriptFleet(p *provisioner.FakeProvisioner) {
	for _, name := range []string{"server", "client"} {
		st := p.ScriptTargetFor(name)
		st.HandleOutput("iperf3 --version", "iperf 3.12 (cJSON 1.7.15)\n")
	}
	server := p.ScriptTargetFor("server")
	server.Handle("iperf3 -s", func(ctx context.Context, _ string) (*target.CommandResult, error) {
		<-ctx.Done()
		return &target.CommandResult{ExitCode: -1}, ctx.Err()
	})
	p.ScriptTargetFor("client").HandleOutput("iperf3 -c", iperf3CannedOutput)
}

func testInput(t *testing.T) *PipelineInput {
	t.Helper()
	stack, err := vpn.NewStack("none", nil)
	require.NoError(t, err)
	iperf, err := tool.NewIperf3Tool(&tool.Iperf3Input{})
	require.NoError(t, err)

	return &PipelineInput{
		FleetSpec: pairSpec(),
		Stacks:    []vpn.Stack{stack},
		Tools:     []tool.Tool{iperf},
		Scenarios: scenario.Enumerate(
			[]string{"none"}, []string{scenario.TopologyDirect}, []string{"iperf3"}, []string{"upload"}, nil),
		AttemptTimeout:   time.Minute,
		ProvisionTimeout: time.Minute,
		DeployTimeout:    time.Minute,
		RetryPolicy:      retry.Fixed(2, time.Millisecond),
		DriverOpts: []deploy.DriverOption{
			deploy.WithRetryPolicy(retry.Fixed(2, time.Millisecond)),
			deploy.WithTCPProbe(func(string, int, time.Duration) bool { return true }),
		},
	}
}

func TestGuardRunEndToEnd(t *testing.T) {
	p := provisioner.NewFakeProvisioner()
	scriptFleet(p)
	store, err := report.NewManifestStore(t.TempDir())
	require.NoError(t, err)

	guard := NewGuard(p, store)
	require.NoError(t, guard.Run(context.Background(), testInput(t)))

	m := store.Manifest()
	require.Len(t, m.Attempts, 1)
	assert.Equal(t, scenario.StateSucceeded, m.Attempts[0].State)
	require.Len(t, m.Measurements, 1)
	require.NotNil(t, m.Measurements[0].ThroughputBps)
	assert.Equal(t, 9381000000.0, *m.Measurements[0].ThroughputBps)
	assert.Equal(t, "us-east-1", m.Fleet.Region)

	assert.Equal(t, 0, p.ActiveResources(), "every provisioned resource must be released")
	assert.Equal(t, 1, p.DestroyCalls())
}

func TestGuardProvisionFailureSkipsEverything(t *testing.T) {
	p := provisioner.NewFakeProvisioner()
	p.FailMachine = "client"
	store, err := report.NewManifestStore(t.TempDir())
	require.NoError(t, err)

	guard := NewGuard(p, store)
	err = guard.Run(context.Background(), testInput(t))
	require.Error(t, err)

	m := store.Manifest()
	require.Len(t, m.Attempts, 1)
	assert.Equal(t, scenario.StateSkipped, m.Attempts[0].State)
	assert.Contains(t, m.Attempts[0].Error, "fleet unavailable")
	assert.Empty(t, m.Measurements)
	assert.Equal(t, 0, p.ActiveResources(), "the partial fleet was rolled back")
}

func TestGuardTeardownFailureIsLoud(t *testing.T) {
	p := provisioner.NewFakeProvisioner()
	scriptFleet(p)
	p.FailDestroy = true
	store, err := report.NewManifestStore(t.TempDir())
	require.NoError(t, err)

	guard := NewGuard(p, store)
	err = guard.Run(context.Background(), testInput(t))
	require.Error(t, err, "a leaked fleet can never look like success")
	assert.Contains(t, err.Error(), "tearing down fleet")

	// The benchmark itself still completed.
	require.Len(t, store.Manifest().Measurements, 1)
}

func TestGuardCancelledRunStillTearsDown(t *testing.T) {
	p := provisioner.NewFakeProvisioner()
	scriptFleet(p)
	store, err := report.NewManifestStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	guard := NewGuard(p, store)
	err = guard.Run(ctx, testInput(t))
	require.ErrorIs(t, err, context.Canceled)

	m := store.Manifest()
	require.Len(t, m.Attempts, 1)
	assert.Equal(t, scenario.StateSkipped, m.Attempts[0].State)
	assert.Equal(t, 0, p.ActiveResources(), "cancellation must not leak the fleet")
}

func TestGuardResumeSkipsSucceededScenarios(t *testing.T) {
	dir := t.TempDir()
	p := provisioner.NewFakeProvisioner()
	scriptFleet(p)

	store, err := report.NewManifestStore(dir)
	require.NoError(t, err)

	input := testInput(t)
	input.Scenarios = scenario.Enumerate(
		[]string{"none"}, []string{scenario.TopologyDirect}, []string{"iperf3"}, []string{"upload", "download"}, nil)

	// A previous run already finished the download direction.
	done := input.Scenarios[0]
	require.Equal(t, "download", done.Direction)
	require.NoError(t, store.RecordAttempt(&scenario.RunAttempt{
		ID: "prior", Scenario: done, State: scenario.StateSucceeded,
	}))

	guard := NewGuard(p, store)
	require.NoError(t, guard.Run(context.Background(), input))

	m := store.Manifest()
	require.Len(t, m.Attempts, 2, "the completed scenario is not re-attempted")
	clientRuns := 0
	for _, cmd := range p.ScriptTargetFor("client").History() {
		if strings.HasPrefix(cmd, "iperf3 -c") {
			clientRuns++
		}
	}
	assert.Equal(t, 1, clientRuns)
}
