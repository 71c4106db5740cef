package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/tunnelbench/tunnelbench/deploy"
	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/retry"
	"github.com/tunnelbench/tunnelbench/sysmon"
	"github.com/tunnelbench/tunnelbench/target"
	"github.com/tunnelbench/tunnelbench/tool"
	"github.com/tunnelbench/tunnelbench/vpn"
)

// A Runner executes a list of scenarios against a ready fleet. It is the
// only component that creates and mutates RunAttempts.
type Runner struct {
	resolver deploy.TargetResolver
	driver   *deploy.Driver
	stacks   map[string]vpn.Stack
	tools    map[string]tool.Tool

	attemptTimeout time.Duration
	policy         retry.Policy
	concurrency    int
	onAttempt      func(*RunAttempt)
	showProgress   bool

	// claims serializes access to each VM so two in-flight scenarios can
	// never share a machine and skew each other's numbers.
	claimsMu sync.Mutex
	claims   map[string]*sync.Mutex
}

type RunnerInput struct {
	Resolver deploy.TargetResolver
	Driver   *deploy.Driver
	Stacks   []vpn.Stack
	Tools    []tool.Tool

	// AttemptTimeout is the hard wall-clock ceiling for one attempt.
	AttemptTimeout time.Duration
	// RetryPolicy bounds re-dispatch of FAILED and TIMED_OUT attempts.
	// MaxAttempts counts total attempts, so retries = MaxAttempts - 1.
	RetryPolicy retry.Policy
	// Concurrency > 1 runs scenarios with disjoint VM pairs in parallel.
	// The default of 1 keeps measurements free of cross-talk.
	Concurrency int
	// OnAttempt is invoked every time an attempt reaches a terminal
	// state, before the next scenario dispatches.
	OnAttempt func(*RunAttempt)
	// ShowProgress renders a progress bar over the scenario matrix.
	ShowProgress bool
}

func NewRunner(input *RunnerInput) *Runner {
	r := &Runner{
		resolver:       input.Resolver,
		driver:         input.Driver,
		stacks:         map[string]vpn.Stack{},
		tools:          map[string]tool.Tool{},
		attemptTimeout: input.AttemptTimeout,
		policy:         input.RetryPolicy,
		concurrency:    input.Concurrency,
		onAttempt:      input.OnAttempt,
		showProgress:   input.ShowProgress,
		claims:         map[string]*sync.Mutex{},
	}
	for _, s := range input.Stacks {
		r.stacks[s.GetName()] = s
	}
	for _, t := range input.Tools {
		r.tools[t.GetName()] = t
	}
	if r.attemptTimeout == 0 {
		r.attemptTimeout = 3 * time.Minute
	}
	if r.policy.MaxAttempts == 0 {
		r.policy = retry.Fixed(3, 5*time.Second)
	}
	if r.concurrency == 0 {
		r.concurrency = 1
	}
	return r
}

// Run executes every scenario exactly once, grouped by VPN variant so each
// tunnel is set up and torn down once per group. One bad scenario never
// aborts the rest; a cancelled ctx stops dispatching new scenarios and
// marks the remainder SKIPPED. The returned attempts are in scenario
// order regardless of concurrency.
func (r *Runner) Run(ctx context.Context, f *fleet.Fleet, scenarios []Scenario) []*RunAttempt {
	attempts := make([]*RunAttempt, len(scenarios))
	for i, s := range scenarios {
		attempts[i] = &RunAttempt{ID: uuid.NewString(), Scenario: s, State: StatePending}
	}

	var bar *progressbar.ProgressBar
	if r.showProgress {
		bar = progressbar.Default(int64(len(scenarios)), "Scenarios:")
	}

	finish := func(a *RunAttempt) {
		if bar != nil {
			_ = bar.Add(1)
		}
		if r.onAttempt != nil {
			r.onAttempt(a)
		}
	}

	for _, group := range groupByVPN(scenarios) {
		stack, ok := r.stacks[group.vpn]
		if !ok || ctx.Err() != nil {
			for _, i := range group.indexes {
				a := attempts[i]
				a.State = StateSkipped
				if !ok {
					a.Error = fmt.Sprintf("no stack registered for vpn %q", group.vpn)
				} else {
					a.Error = "run cancelled"
				}
				finish(a)
			}
			continue
		}

		needsTunnel := false
		for _, i := range group.indexes {
			if scenarios[i].Topology == TopologyTunnel {
				needsTunnel = true
			}
		}
		if needsTunnel && stack.GetName() != "none" {
			if err := r.driver.SetupStack(ctx, f, stack); err != nil {
				slog.Error("tunnel setup failed, skipping its scenarios",
					slog.String("vpn", group.vpn), slog.String("error", err.Error()))
				for _, i := range group.indexes {
					a := attempts[i]
					a.State = StateSkipped
					a.Error = fmt.Sprintf("tunnel setup failed: %v", err)
					finish(a)
				}
				continue
			}
		}

		r.runGroup(ctx, f, stack, scenarios, attempts, group.indexes, finish)

		if needsTunnel && stack.GetName() != "none" {
			// Teardown still runs when ctx is cancelled; leaving a tunnel up
			// would poison the next variant on a resumed run.
			if err := r.driver.TeardownStack(context.WithoutCancel(ctx), f, stack); err != nil {
				slog.Error("tunnel teardown failed", slog.String("vpn", group.vpn), slog.String("error", err.Error()))
			}
		}
	}

	return attempts
}

type vpnGroup struct {
	vpn     string
	indexes []int
}

// groupByVPN preserves scenario order; the enumeration sorts by VPN first
// so each group is contiguous.
func groupByVPN(scenarios []Scenario) []vpnGroup {
	groups := []vpnGroup{}
	for i, s := range scenarios {
		if len(groups) == 0 || groups[len(groups)-1].vpn != s.VPN {
			groups = append(groups, vpnGroup{vpn: s.VPN})
		}
		groups[len(groups)-1].indexes = append(groups[len(groups)-1].indexes, i)
	}
	return groups
}

func (r *Runner) runGroup(
	ctx context.Context,
	f *fleet.Fleet,
	stack vpn.Stack,
	scenarios []Scenario,
	attempts []*RunAttempt,
	indexes []int,
	finish func(*RunAttempt),
) {
	if r.concurrency <= 1 {
		for _, i := range indexes {
			r.runScenario(ctx, f, stack, scenarios[i], attempts[i])
			finish(attempts[i])
		}
		return
	}

	pool := pond.New(r.concurrency, 0, pond.MinWorkers(r.concurrency))
	for _, i := range indexes {
		i := i
		pool.Submit(func() {
			r.runScenario(ctx, f, stack, scenarios[i], attempts[i])
			finish(attempts[i])
		})
	}
	pool.StopAndWait()
}

// runScenario drives one RunAttempt through the state machine:
// PENDING -> DISPATCHED -> {SUCCEEDED | FAILED | TIMED_OUT}, re-dispatching
// FAILED and TIMED_OUT attempts until the retry policy is exhausted.
func (r *Runner) runScenario(ctx context.Context, f *fleet.Fleet, stack vpn.Stack, s Scenario, attempt *RunAttempt) {
	if ctx.Err() != nil {
		attempt.State = StateSkipped
		attempt.Error = "run cancelled"
		return
	}

	serverVM := f.FirstByRole(fleet.RoleServer)
	clientVM := f.FirstByRole(fleet.RoleClient)
	if serverVM == nil || clientVM == nil {
		attempt.State = StateSkipped
		attempt.Error = "fleet has no server/client pair"
		return
	}

	tl, ok := r.tools[s.Tool]
	if !ok {
		attempt.State = StateFailed
		attempt.Error = fmt.Sprintf("no tool registered for %q", s.Tool)
		return
	}

	release := r.claim(serverVM.Name, clientVM.Name)
	defer release()

	for try := 0; try < r.policy.MaxAttempts; try++ {
		if try > 0 {
			if err := retry.Sleep(ctx, r.policy.Backoff(try-1)); err != nil {
				break
			}
			slog.Info("retrying scenario", slog.String("scenario", s.ID()), slog.Int("retry", try))
		}
		attempt.Retries = try
		r.dispatch(ctx, serverVM, clientVM, stack, tl, s, attempt)
		if attempt.State == StateSucceeded || ctx.Err() != nil {
			break
		}
	}

	slog.Info("scenario finished",
		slog.String("scenario", s.ID()),
		slog.String("state", string(attempt.State)),
		slog.Int("retries", attempt.Retries),
	)
}

// dispatch executes a single timed attempt: start the server process,
// wait for it to listen, run the client, and classify the outcome.
func (r *Runner) dispatch(
	ctx context.Context,
	serverVM, clientVM *fleet.VM,
	stack vpn.Stack,
	tl tool.Tool,
	s Scenario,
	attempt *RunAttempt,
) {
	attempt.State = StateDispatched
	attempt.StartedAt = time.Now().UTC()
	defer func() { attempt.EndedAt = time.Now().UTC() }()

	serverTarget, err := r.resolver.TargetFor(serverVM)
	if err != nil {
		attempt.State = StateFailed
		attempt.Error = err.Error()
		return
	}
	clientTarget, err := r.resolver.TargetFor(clientVM)
	if err != nil {
		attempt.State = StateFailed
		attempt.Error = err.Error()
		return
	}

	serverAddr := r.serverAddr(serverVM, stack, s)

	// The whole attempt lives under one deadline; its expiry kills both
	// the client and the server processes.
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	var serverDone chan struct{}
	if tl.NeedsServer() {
		serverCtx, stopServer := context.WithCancel(attemptCtx)
		defer stopServer()

		serverDone = make(chan struct{})
		go func() {
			defer close(serverDone)
			result, err := serverTarget.RunCommandContext(serverCtx, tl.ServerCommand())
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				slog.Debug("server process ended with error",
					slog.String("scenario", s.ID()), slog.String("error", err.Error()))
			} else if result != nil && result.ExitCode > 0 {
				slog.Debug("server process exited non-zero",
					slog.String("scenario", s.ID()), slog.Int("exitCode", result.ExitCode))
			}
		}()

		if err := r.waitServerListening(attemptCtx, clientTarget, serverAddr, tl.Port()); err != nil {
			stopServer()
			<-serverDone
			r.classify(attemptCtx, attempt, fmt.Errorf("server never started listening: %w", err))
			return
		}
	}

	// Whole-VM CPU samples back up tools that don't report their own.
	clientCPU := sysmon.NewCPUSampler(clientTarget)
	serverCPU := sysmon.NewCPUSampler(serverTarget)
	clientCPU.Begin(attemptCtx)
	serverCPU.Begin(attemptCtx)

	result, err := clientTarget.RunCommandContext(attemptCtx, tl.ClientCommand(serverAddr, s.Direction))
	if result != nil {
		// Verbatim, before any parsing.
		attempt.RawOutput = string(result.Output)
		attempt.ExitCode = result.ExitCode
	}

	if serverDone != nil {
		cancel()
		<-serverDone
	}

	if err != nil {
		r.classify(attemptCtx, attempt, err)
		return
	}
	if result.ExitCode != 0 {
		attempt.State = StateFailed
		attempt.Error = fmt.Sprintf("client exited with code %d", result.ExitCode)
		return
	}
	attempt.ClientCPUPercent = clientCPU.End(attemptCtx)
	attempt.ServerCPUPercent = serverCPU.End(attemptCtx)
	attempt.State = StateSucceeded
	attempt.Error = ""
}

func (r *Runner) classify(ctx context.Context, attempt *RunAttempt, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		attempt.State = StateTimedOut
		attempt.Error = fmt.Sprintf("exceeded the %s attempt ceiling", r.attemptTimeout)
		return
	}
	// An operator interrupt is not the scenario's fault; it reads as
	// skipped, like the scenarios that never dispatched.
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		attempt.State = StateSkipped
		attempt.Error = "run cancelled"
		return
	}
	attempt.State = StateFailed
	attempt.Error = err.Error()
}

// serverAddr picks the address the client dials: the tunnel address for
// tunnel topologies (when the stack has one), the public address otherwise.
func (r *Runner) serverAddr(serverVM *fleet.VM, stack vpn.Stack, s Scenario) string {
	if s.Topology == TopologyTunnel {
		if addr := stack.TunnelAddr(fleet.RoleServer); addr != "" {
			return addr
		}
	}
	return serverVM.PublicAddr
}

// waitServerListening probes the server port from the client VM, since
// tunnel addresses are only reachable from inside the fleet.
func (r *Runner) waitServerListening(ctx context.Context, clientTarget target.Target, addr string, port int) error {
	probe := fmt.Sprintf("timeout 2 bash -c 'exec 3<>/dev/tcp/%s/%d' 2>/dev/null", addr, port)
	return retry.Fixed(10, time.Second).Do(ctx, func() error {
		result, err := clientTarget.RunCommandContext(ctx, probe)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("port %d on %s is not accepting connections", port, addr)
		}
		return nil
	})
}

// claim locks the named VMs in sorted order to avoid deadlock between
// concurrent scenarios claiming overlapping pairs.
func (r *Runner) claim(names ...string) func() {
	sorted := append([]string{}, names...)
	sort.Strings(sorted)

	r.claimsMu.Lock()
	locks := []*sync.Mutex{}
	for _, name := range sorted {
		if r.claims[name] == nil {
			r.claims[name] = &sync.Mutex{}
		}
		locks = append(locks, r.claims[name])
	}
	r.claimsMu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}
