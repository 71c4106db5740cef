package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tunnelbench/tunnelbench/deploy"
	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/normalize"
	"github.com/tunnelbench/tunnelbench/provisioner"
	"github.com/tunnelbench/tunnelbench/report"
	"github.com/tunnelbench/tunnelbench/retry"
	"github.com/tunnelbench/tunnelbench/scenario"
	"github.com/tunnelbench/tunnelbench/tool"
	"github.com/tunnelbench/tunnelbench/vpn"
)

// PipelineInput is everything one run needs. The guard wires the
// deployment driver and scenario runner itself so callers only assemble
// configuration.
type PipelineInput struct {
	FleetSpec fleet.FleetSpec
	Stacks    []vpn.Stack
	Tools     []tool.Tool
	Scenarios []scenario.Scenario

	AttemptTimeout   time.Duration
	ProvisionTimeout time.Duration
	DeployTimeout    time.Duration
	RetryPolicy      retry.Policy
	Concurrency      int
	ShowProgress     bool

	DriverOpts []deploy.DriverOption
}

// A Guard owns the fleet for the duration of one run. Whatever happens
// inside the pipeline — normal completion, a fleet-level failure, a
// panic, or an operator interrupt — teardown runs exactly once, and its
// failure is never silently swallowed because a leaked fleet keeps
// billing.
type Guard struct {
	prov  provisioner.Provisioner
	store *report.ManifestStore

	holder       fleetHolder
	teardownOnce sync.Once
	teardownErr  error
}

type fleetHolder struct {
	mu sync.Mutex
	f  *fleet.Fleet
}

func NewGuard(prov provisioner.Provisioner, store *report.ManifestStore) *Guard {
	return &Guard{prov: prov, store: store}
}

// Run drives the full pipeline: provision, deploy, execute scenarios,
// normalize, teardown. Scenario-level failures are contained; fleet-level
// failures are fatal and mark the remaining scenarios SKIPPED. The
// returned error reflects both pipeline and teardown outcomes.
func (g *Guard) Run(ctx context.Context, input *PipelineInput) error {
	pipelineErr := g.run(ctx, input)
	// Teardown happens on the background context: a cancelled run must
	// still release the fleet.
	teardownErr := g.teardown(context.WithoutCancel(ctx))
	return errors.Join(pipelineErr, teardownErr)
}

func (g *Guard) run(ctx context.Context, input *PipelineInput) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()

	provCtx, cancel := context.WithTimeout(ctx, input.ProvisionTimeout)
	f, provErr := g.prov.Provision(provCtx, input.FleetSpec)
	cancel()
	if provErr != nil {
		g.skipAll(input.Scenarios, fmt.Sprintf("fleet unavailable: %v", provErr))
		return provErr
	}
	g.fleetProvisioned(f)
	slog.Info("fleet is up", slog.String("fleetID", f.ID), slog.Int("vms", len(f.VMs)))

	driver := deploy.NewDriver(g.prov, input.DriverOpts...)

	profiles := deploy.BuildProfiles(input.FleetSpec, input.Stacks, input.Tools)
	deployCtx, cancel := context.WithTimeout(ctx, input.DeployTimeout)
	deployErr := driver.Deploy(deployCtx, f, profiles, input.Tools)
	cancel()
	if deployErr != nil {
		g.skipAll(input.Scenarios, fmt.Sprintf("fleet unavailable: %v", deployErr))
		return deployErr
	}
	slog.Info("fleet is deployed", slog.String("fleetID", f.ID))

	scenarios := g.withoutCompleted(input.Scenarios)
	if len(scenarios) < len(input.Scenarios) {
		slog.Info("resuming: skipping already-succeeded scenarios",
			slog.Int("done", len(input.Scenarios)-len(scenarios)),
			slog.Int("remaining", len(scenarios)))
	}

	normalizer := normalize.NewNormalizer(input.Tools)
	runner := scenario.NewRunner(&scenario.RunnerInput{
		Resolver:       g.prov,
		Driver:         driver,
		Stacks:         input.Stacks,
		Tools:          input.Tools,
		AttemptTimeout: input.AttemptTimeout,
		RetryPolicy:    input.RetryPolicy,
		Concurrency:    input.Concurrency,
		ShowProgress:   input.ShowProgress,
		// Persist after every attempt so an external kill loses nothing
		// that already completed.
		OnAttempt: func(a *scenario.RunAttempt) {
			if err := g.store.RecordAttempt(a); err != nil {
				slog.Error("persisting attempt failed", slog.String("attemptID", a.ID), slog.String("error", err.Error()))
			}
			if a.State != scenario.StateSucceeded {
				return
			}
			m, err := normalizer.Normalize(a)
			if err != nil {
				slog.Error("normalization failed", slog.String("attemptID", a.ID), slog.String("error", err.Error()))
				return
			}
			if err := g.store.RecordMeasurement(m); err != nil {
				slog.Error("persisting measurement failed", slog.String("attemptID", a.ID), slog.String("error", err.Error()))
			}
		},
	})

	runner.Run(ctx, f, scenarios)
	return ctx.Err()
}

// The fleet is held by the guard between provisioning and teardown;
// nothing else may call Destroy.
func (g *Guard) fleetProvisioned(f *fleet.Fleet) {
	g.holder.mu.Lock()
	defer g.holder.mu.Unlock()
	g.holder.f = f
	if err := g.store.SetFleet(f); err != nil {
		slog.Error("persisting fleet failed", slog.String("error", err.Error()))
	}
}

func (g *Guard) teardown(ctx context.Context) error {
	g.teardownOnce.Do(func() {
		g.holder.mu.Lock()
		f := g.holder.f
		g.holder.mu.Unlock()
		if f == nil {
			return
		}
		slog.Info("tearing down fleet", slog.String("fleetID", f.ID))
		if err := g.prov.Destroy(ctx, f); err != nil {
			slog.Error("FLEET TEARDOWN FAILED, RESOURCES MAY STILL BE BILLING",
				slog.String("fleetID", f.ID), slog.String("error", err.Error()))
			g.teardownErr = fmt.Errorf("tearing down fleet %s: %w", f.ID, err)
			return
		}
		if err := g.store.SetFleet(f); err != nil {
			slog.Error("persisting fleet state failed", slog.String("error", err.Error()))
		}
	})
	return g.teardownErr
}

// skipAll records a SKIPPED attempt for every scenario that cannot run so
// the manifest always explains the whole matrix.
func (g *Guard) skipAll(scenarios []scenario.Scenario, reason string) {
	for _, s := range g.withoutCompleted(scenarios) {
		a := &scenario.RunAttempt{
			ID:       uuid.NewString(),
			Scenario: s,
			State:    scenario.StateSkipped,
			Error:    reason,
		}
		if err := g.store.RecordAttempt(a); err != nil {
			slog.Error("persisting skipped attempt failed", slog.String("error", err.Error()))
		}
	}
}

// withoutCompleted filters out scenarios this manifest already saw
// succeed, which is what makes resuming an interrupted run cheap.
func (g *Guard) withoutCompleted(scenarios []scenario.Scenario) []scenario.Scenario {
	manifest := g.store.Manifest()
	out := []scenario.Scenario{}
	for _, s := range scenarios {
		if manifest.SucceededAttempt(s.ID()) == nil {
			out = append(out, s)
		}
	}
	return out
}
