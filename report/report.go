package report

import (
	"time"

	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/scenario"
)

// A Measurement is the canonical, tool-agnostic record one successful
// attempt normalizes into. Nil pointers mean the tool did not report that
// quantity; they are never zero-filled. The schema is stable across tool
// versions so runs stay comparable.
type Measurement struct {
	ScenarioID       string    `json:"scenario_id"`
	Timestamp        time.Time `json:"timestamp"`
	ThroughputBps    *float64  `json:"throughput_bps,omitempty"`
	Retransmits      *int64    `json:"retransmits,omitempty"`
	CPUPercentHost   *float64  `json:"cpu_percent_host,omitempty"`
	CPUPercentRemote *float64  `json:"cpu_percent_remote,omitempty"`
	LatencyMs        *float64  `json:"latency_ms,omitempty"`
}

// FleetDescriptor is the manifest's view of the fleet: enough to identify
// the machines without carrying provisioner internals.
type FleetDescriptor struct {
	ID          string     `json:"id"`
	Region      string     `json:"region"`
	MachineType string     `json:"machine_type"`
	VMs         []VMRecord `json:"vms"`
}

type VMRecord struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	InstanceID string `json:"instance_id"`
	PublicAddr string `json:"public_addr"`
	State      string `json:"state"`
}

// The RunManifest binds one invocation's fleet, attempts, and
// measurements. It is persisted incrementally so an externally-killed run
// leaves a recoverable partial record.
type RunManifest struct {
	RunID        string                 `json:"run_id"`
	CreatedAt    time.Time              `json:"created_at"`
	Fleet        FleetDescriptor        `json:"fleet"`
	Attempts     []*scenario.RunAttempt `json:"attempts"`
	Measurements []*Measurement         `json:"measurements"`
}

// DescribeFleet flattens a fleet into its manifest record.
func DescribeFleet(f *fleet.Fleet) FleetDescriptor {
	d := FleetDescriptor{
		ID:          f.ID,
		Region:      f.Spec.Region,
		MachineType: f.Spec.MachineType,
	}
	for _, vm := range f.VMs {
		d.VMs = append(d.VMs, VMRecord{
			Name:       vm.Name,
			Role:       string(vm.Role),
			InstanceID: vm.InstanceID,
			PublicAddr: vm.PublicAddr,
			State:      string(vm.State),
		})
	}
	return d
}

// SucceededAttempt returns the attempt for the scenario if it terminated
// SUCCEEDED, used when resuming a partial run.
func (m *RunManifest) SucceededAttempt(id string) *scenario.RunAttempt {
	for _, a := range m.Attempts {
		if a.Scenario.ID() == id && a.State == scenario.StateSucceeded {
			return a
		}
	}
	return nil
}
