package provisioner

import (
	"context"
	"fmt"
	"sync"

	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/target"
	"github.com/tunnelbench/tunnelbench/util"
)

// A FakeProvisioner simulates a cloud without creating anything billable.
// It backs the -dry-run CLI mode and the test suite. Every "instance" it
// creates is counted so tests can assert that provision followed by
// destroy leaves nothing behind.
type FakeProvisioner struct {
	mu      sync.Mutex
	active  map[string]bool
	targets map[string]*target.ScriptTarget
	nextIP  int

	// FailMachine, when set, makes provisioning fail after the named
	// machine was created, exercising the rollback path.
	FailMachine string

	// FailDestroy, when set, makes Destroy report failure without
	// releasing resources.
	FailDestroy bool

	destroyCalls int
}

func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{
		active:  map[string]bool{},
		targets: map[string]*target.ScriptTarget{},
	}
}

func (p *FakeProvisioner) Provision(ctx context.Context, spec fleet.FleetSpec) (*fleet.Fleet, error) {
	f := &fleet.Fleet{
		ID:   fmt.Sprintf("fake-%s", util.Randstring(8)),
		Spec: spec,
	}

	p.mu.Lock()
	for _, m := range spec.Machines {
		vm := fleet.VM{Name: m.Name, Role: m.Role, State: fleet.StatePending}
		vm.InstanceID = fmt.Sprintf("i-fake-%s", m.Name)
		p.nextIP++
		vm.PublicAddr = fmt.Sprintf("198.51.100.%d", p.nextIP)
		vm.PrivateAddr = fmt.Sprintf("10.0.0.%d", p.nextIP)
		vm.State = fleet.StateRunning
		p.active[vm.InstanceID] = true
		if p.targets[m.Name] == nil {
			p.targets[m.Name] = target.NewScriptTarget()
		}
		f.VMs = append(f.VMs, vm)

		if p.FailMachine == m.Name {
			p.mu.Unlock()
			// Roll back, like the real provisioner: no partial silent success.
			_ = p.Destroy(ctx, f)
			return nil, &ProvisionError{Reason: fmt.Errorf("machine %s failed to start", m.Name), Partial: f}
		}
	}
	p.mu.Unlock()
	return f, nil
}

func (p *FakeProvisioner) Destroy(ctx context.Context, f *fleet.Fleet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyCalls++
	if p.FailDestroy {
		return fmt.Errorf("simulated destroy failure")
	}
	if f == nil {
		return nil
	}
	for i := range f.VMs {
		delete(p.active, f.VMs[i].InstanceID)
		f.VMs[i].State = fleet.StateTerminated
	}
	return nil
}

// TargetFor returns the scripted target registered for the VM's name.
func (p *FakeProvisioner) TargetFor(vm *fleet.VM) (target.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[vm.Name]
	if !ok {
		return nil, fmt.Errorf("no target for vm %s", vm.Name)
	}
	return t, nil
}

// ScriptTargetFor exposes the underlying ScriptTarget so callers can
// register canned outputs before a run.
func (p *FakeProvisioner) ScriptTargetFor(name string) *target.ScriptTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.targets[name] == nil {
		p.targets[name] = target.NewScriptTarget()
	}
	return p.targets[name]
}

// ActiveResources reports how many simulated instances are still running.
func (p *FakeProvisioner) ActiveResources() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// DestroyCalls reports how many times Destroy was invoked.
func (p *FakeProvisioner) DestroyCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyCalls
}
