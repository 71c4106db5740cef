package provisioner

import (
	"context"
	"fmt"

	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/target"
)

// Creates and destroys fleets of VMs on a platform (e.g. AWS EC2).
type Provisioner interface {
	// Provision creates every machine in the spec and waits until all of them
	// are running and reachable. On any failure everything created so far is
	// torn down and a *ProvisionError is returned; there is no partial
	// silent success. Real billable resources exist between a successful
	// Provision and a successful Destroy.
	Provision(ctx context.Context, spec fleet.FleetSpec) (*fleet.Fleet, error)

	// Destroy releases every resource backing the fleet. Destroying an
	// already-destroyed or partially-created fleet must not fail.
	Destroy(ctx context.Context, f *fleet.Fleet) error

	// TargetFor resolves a remote-execution handle for a provisioned VM.
	TargetFor(vm *fleet.VM) (target.Target, error)
}

// ProvisionError reports a failed fleet bring-up. Partial holds whatever
// was created before the failure; by the time the caller sees this error
// those resources have already been rolled back.
type ProvisionError struct {
	Reason  error
	Partial *fleet.Fleet
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning failed: %v", e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Reason }
