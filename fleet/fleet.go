package fleet

import (
	"fmt"
)

type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

type VMState string

const (
	StatePending    VMState = "pending"
	StateRunning    VMState = "running"
	StateTerminated VMState = "terminated"
)

// A MachineProfile describes the software one VM must carry before it can
// participate in a run. Profiles are fixed once a run starts.
type MachineProfile struct {
	Name     string
	Role     Role
	Packages []string
}

// MachineSpec describes one VM to be created.
type MachineSpec struct {
	Name string `yaml:"name"`
	Role Role   `yaml:"role"`
}

// FleetSpec is the input to provisioning: how many machines, where, and
// of what shape.
type FleetSpec struct {
	Region      string        `yaml:"region"`
	MachineType string        `yaml:"machine_type"`
	ImageID     string        `yaml:"image_id"`
	Machines    []MachineSpec `yaml:"machines"`
}

// Validate rejects specs the provisioner cannot act on. VM names must be
// unique because scenarios address machines by name.
func (s *FleetSpec) Validate() error {
	if len(s.Machines) == 0 {
		return fmt.Errorf("fleet spec has no machines")
	}
	seen := map[string]bool{}
	for _, m := range s.Machines {
		if m.Name == "" {
			return fmt.Errorf("fleet spec has a machine with no name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate machine name: %s", m.Name)
		}
		seen[m.Name] = true
		if m.Role != RoleServer && m.Role != RoleClient {
			return fmt.Errorf("machine %s has unknown role: %s", m.Name, m.Role)
		}
	}
	return nil
}

type VM struct {
	Name        string
	Role        Role
	InstanceID  string
	PublicAddr  string
	PrivateAddr string
	State       VMState
}

// A Fleet is the set of VMs provisioned for one run. Addresses are empty
// until provisioning succeeds.
type Fleet struct {
	ID   string
	Spec FleetSpec
	VMs  []VM
}

// VMByName returns the named VM, or nil if the fleet has no such machine.
func (f *Fleet) VMByName(name string) *VM {
	for i := range f.VMs {
		if f.VMs[i].Name == name {
			return &f.VMs[i]
		}
	}
	return nil
}

// FirstByRole returns the first VM with the given role, or nil.
func (f *Fleet) FirstByRole(role Role) *VM {
	for i := range f.VMs {
		if f.VMs[i].Role == role {
			return &f.VMs[i]
		}
	}
	return nil
}

// ActiveVMs counts VMs that are not yet terminated.
func (f *Fleet) ActiveVMs() int {
	n := 0
	for _, vm := range f.VMs {
		if vm.State != StateTerminated && vm.InstanceID != "" {
			n++
		}
	}
	return n
}
