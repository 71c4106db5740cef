package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/retry"
	"github.com/tunnelbench/tunnelbench/target"
	"github.com/tunnelbench/tunnelbench/tool"
	"github.com/tunnelbench/tunnelbench/vpn"
	"golang.org/x/sync/errgroup"
)

// DeployError names the VM that could not be brought to readiness. A
// failed VM fails the whole deployment because every scenario assumes all
// participants are ready.
type DeployError struct {
	VM    string
	Cause error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploying %s failed: %v", e.VM, e.Cause)
}

func (e *DeployError) Unwrap() error { return e.Cause }

// TargetResolver resolves a remote-execution handle for a VM. Satisfied
// by the provisioner.
type TargetResolver interface {
	TargetFor(vm *fleet.VM) (target.Target, error)
}

type Driver struct {
	resolver TargetResolver
	probe    retry.Policy
	// probeTCP is swappable so dry runs and tests skip real dialing.
	probeTCP func(addr string, port int, timeout time.Duration) bool
}

type DriverOption func(*Driver)

// WithRetryPolicy overrides the readiness retry policy.
func WithRetryPolicy(p retry.Policy) DriverOption {
	return func(d *Driver) { d.probe = p }
}

// WithTCPProbe overrides the TCP reachability probe.
func WithTCPProbe(fn func(addr string, port int, timeout time.Duration) bool) DriverOption {
	return func(d *Driver) {
		if fn != nil {
			d.probeTCP = fn
		}
	}
}

func NewDriver(resolver TargetResolver, opts ...DriverOption) *Driver {
	d := &Driver{
		resolver: resolver,
		probe:    retry.Exponential(6, 2*time.Second, 30*time.Second),
		probeTCP: ProbeTCP,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BuildProfiles derives the per-machine profile from the fleet spec and
// everything the run will exercise: the union of all stack and tool
// packages, installed once up front so switching VPN variants mid-run
// needs no further installs.
func BuildProfiles(spec fleet.FleetSpec, stacks []vpn.Stack, tools []tool.Tool) []fleet.MachineProfile {
	pkgSet := map[string]bool{}
	for _, s := range stacks {
		for _, p := range s.Packages() {
			pkgSet[p] = true
		}
	}
	for _, t := range tools {
		for _, p := range t.Packages() {
			pkgSet[p] = true
		}
	}
	pkgs := []string{}
	for p := range pkgSet {
		pkgs = append(pkgs, p)
	}
	sort.Strings(pkgs)

	profiles := []fleet.MachineProfile{}
	for _, m := range spec.Machines {
		profiles = append(profiles, fleet.MachineProfile{Name: m.Name, Role: m.Role, Packages: pkgs})
	}
	return profiles
}

// Deploy pushes each profile to its VM and verifies tool versions. VMs are
// deployed concurrently; the first failure cancels the rest and is
// reported as a *DeployError. Re-invoking against an already-deployed VM
// re-applies the same packages, which apt treats as a no-op.
func (d *Driver) Deploy(ctx context.Context, f *fleet.Fleet, profiles []fleet.MachineProfile, tools []tool.Tool) error {
	// Resolve every profile before launching anything so a bad profile
	// never abandons in-flight goroutines.
	vms := make([]*fleet.VM, len(profiles))
	for i, profile := range profiles {
		vm := f.VMByName(profile.Name)
		if vm == nil {
			return &DeployError{VM: profile.Name, Cause: fmt.Errorf("fleet has no such machine")}
		}
		vms[i] = vm
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range profiles {
		profile := profiles[i]
		vm := vms[i]
		g.Go(func() error {
			if err := d.deployVM(ctx, vm, profile, tools); err != nil {
				return &DeployError{VM: vm.Name, Cause: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Driver) deployVM(ctx context.Context, vm *fleet.VM, profile fleet.MachineProfile, tools []tool.Tool) error {
	// Freshly booted VMs drop connections while sshd comes up, so the
	// probe polls under the same bounded backoff as the readiness checks.
	err := d.probe.Do(ctx, func() error {
		if !d.probeTCP(vm.PublicAddr, 22, 10*time.Second) {
			return fmt.Errorf("ssh port is not reachable at %s", vm.PublicAddr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t, err := d.resolver.TargetFor(vm)
	if err != nil {
		return err
	}

	if len(profile.Packages) > 0 {
		install := fmt.Sprintf(
			"sudo DEBIAN_FRONTEND=noninteractive apt-get update -qq && sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -qq %s",
			strings.Join(profile.Packages, " "))
		err = d.probe.Do(ctx, func() error {
			// apt can lose the dpkg lock to unattended-upgrades on fresh VMs.
			out, err := t.RunCommand(install)
			if err != nil {
				return fmt.Errorf("installing packages: %w: %s", err, lastOutput(out))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, tl := range tools {
		vc, ok := tl.(tool.VersionChecker)
		if !ok {
			continue
		}
		out, err := t.RunCommand(vc.VersionCommand())
		if err != nil {
			return fmt.Errorf("checking %s version: %w", tl.GetName(), err)
		}
		installed, err := vc.ParseVersion(out)
		if err != nil {
			return err
		}
		have, err := version.NewVersion(installed)
		if err != nil {
			return fmt.Errorf("can't parse installed %s version %q: %w", tl.GetName(), installed, err)
		}
		want, err := version.NewVersion(vc.MinVersion())
		if err != nil {
			return err
		}
		if have.LessThan(want) {
			return fmt.Errorf("%s version %s is older than the minimum %s", tl.GetName(), installed, vc.MinVersion())
		}
	}

	slog.Debug("deployed machine", slog.String("name", vm.Name), slog.Int("packages", len(profile.Packages)))
	return nil
}

// SetupStack renders and pushes the stack's configuration to both ends,
// brings the tunnel up, and waits until it passes traffic. Safe to invoke
// again after TeardownStack for the next variant.
func (d *Driver) SetupStack(ctx context.Context, f *fleet.Fleet, stack vpn.Stack) error {
	server := f.FirstByRole(fleet.RoleServer)
	client := f.FirstByRole(fleet.RoleClient)
	if server == nil || client == nil {
		return fmt.Errorf("fleet needs at least one server and one client")
	}
	eps := vpn.Endpoints{ServerPublicIP: server.PublicAddr, ClientPublicIP: client.PublicAddr}

	// Server first so the client's handshake has somewhere to land.
	for _, vm := range []*fleet.VM{server, client} {
		if err := d.setupStackVM(ctx, vm, stack, eps); err != nil {
			return &DeployError{VM: vm.Name, Cause: err}
		}
	}
	return nil
}

func (d *Driver) setupStackVM(ctx context.Context, vm *fleet.VM, stack vpn.Stack, eps vpn.Endpoints) error {
	t, err := d.resolver.TargetFor(vm)
	if err != nil {
		return err
	}

	files, err := stack.ConfigFiles(vm.Role, eps)
	if err != nil {
		return err
	}
	for remotePath, content := range files {
		if err := t.CopyFileTo(strings.NewReader(string(content)), vpn.StagePath(remotePath)); err != nil {
			return fmt.Errorf("pushing %s: %w", remotePath, err)
		}
	}

	for _, cmd := range stack.UpCommands(vm.Role) {
		out, err := t.RunCommand(cmd)
		if err != nil {
			return fmt.Errorf("running %q: %w: %s", cmd, err, lastOutput(out))
		}
	}

	ready := stack.ReadyCommand(vm.Role)
	err = d.probe.Do(ctx, func() error {
		out, err := t.RunCommand(ready)
		if err != nil {
			return fmt.Errorf("tunnel not ready: %w: %s", err, lastOutput(out))
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Debug("tunnel is up", slog.String("vm", vm.Name), slog.String("stack", stack.GetName()))
	return nil
}

// TeardownStack brings the tunnel down on both ends. Down commands are
// tolerant of an already-down tunnel.
func (d *Driver) TeardownStack(ctx context.Context, f *fleet.Fleet, stack vpn.Stack) error {
	for i := range f.VMs {
		vm := &f.VMs[i]
		t, err := d.resolver.TargetFor(vm)
		if err != nil {
			return err
		}
		for _, cmd := range stack.DownCommands(vm.Role) {
			if out, err := t.RunCommand(cmd); err != nil {
				slog.Error("tunnel teardown command failed",
					slog.String("vm", vm.Name),
					slog.String("command", cmd),
					slog.String("output", lastOutput(out)),
					slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// ProbeTCP reports whether addr accepts a TCP connection on port within
// the timeout.
func ProbeTCP(addr string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, fmt.Sprintf("%d", port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func lastOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	return s
}
