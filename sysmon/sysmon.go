// Package sysmon samples CPU usage on a VM around a benchmark attempt.
// Tools like iperf3 report their own CPU figures; for the ones that don't,
// the delta between two /proc/stat reads stands in.
package sysmon

import (
	"context"
	"log/slog"

	"github.com/tunnelbench/tunnelbench/target"
)

const procStatCommand = "cat /proc/stat"

// A CPUSampler measures whole-VM CPU utilization between Begin and End.
// Sampling is best-effort: any failure yields an absent value, never a
// fake zero.
type CPUSampler struct {
	target target.Target
	base   *cpuTimeStat
}

func NewCPUSampler(t target.Target) *CPUSampler {
	return &CPUSampler{target: t}
}

// Begin records the baseline. A failed read leaves the sampler inert.
func (s *CPUSampler) Begin(ctx context.Context) {
	s.base = s.read(ctx)
}

// End returns the busy percentage since Begin, or nil when either read
// failed or no time elapsed in jiffies.
func (s *CPUSampler) End(ctx context.Context) *float64 {
	if s.base == nil {
		return nil
	}
	curr := s.read(ctx)
	if curr == nil {
		return nil
	}
	deltaTotal := curr.total() - s.base.total()
	if deltaTotal <= 0 {
		return nil
	}
	pct := 100 * float64(curr.busy()-s.base.busy()) / float64(deltaTotal)
	if pct < 0 {
		return nil
	}
	return &pct
}

func (s *CPUSampler) read(ctx context.Context) *cpuTimeStat {
	result, err := s.target.RunCommandContext(ctx, procStatCommand)
	if err != nil || result == nil || result.ExitCode != 0 {
		slog.Debug("cpu sample failed", slog.Any("error", err))
		return nil
	}
	return parseCPUTimeStat(result.Output)
}
