package normalize

import (
	"fmt"
	"log/slog"

	"github.com/tunnelbench/tunnelbench/report"
	"github.com/tunnelbench/tunnelbench/scenario"
	"github.com/tunnelbench/tunnelbench/tool"
)

// NormalizeError reports a raw output the tool's parser could not handle.
// It keeps an excerpt of the evidence but is non-fatal: other attempts
// normalize independently.
type NormalizeError struct {
	AttemptID  string
	RawExcerpt string
	Cause      error
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalizing attempt %s failed: %v", e.AttemptID, e.Cause)
}

func (e *NormalizeError) Unwrap() error { return e.Cause }

// A Normalizer turns successful RunAttempts into canonical Measurements.
// It never mutates the attempts it reads.
type Normalizer struct {
	tools map[string]tool.Tool
}

func NewNormalizer(tools []tool.Tool) *Normalizer {
	m := map[string]tool.Tool{}
	for _, t := range tools {
		m[t.GetName()] = t
	}
	return &Normalizer{tools: m}
}

// Normalize parses one attempt's raw output into a Measurement. Only
// SUCCEEDED attempts carry trustworthy output; anything else is an error.
func (n *Normalizer) Normalize(a *scenario.RunAttempt) (*report.Measurement, error) {
	if a.State != scenario.StateSucceeded {
		return nil, &NormalizeError{
			AttemptID: a.ID,
			Cause:     fmt.Errorf("attempt state is %s, not %s", a.State, scenario.StateSucceeded),
		}
	}
	t, ok := n.tools[a.Scenario.Tool]
	if !ok {
		return nil, &NormalizeError{
			AttemptID: a.ID,
			Cause:     fmt.Errorf("no tool registered for %q", a.Scenario.Tool),
		}
	}

	parsed, err := t.ParseOutput([]byte(a.RawOutput), a.Scenario.Direction)
	if err != nil {
		return nil, &NormalizeError{
			AttemptID:  a.ID,
			RawExcerpt: excerpt(a.RawOutput),
			Cause:      err,
		}
	}

	// The tool's own CPU accounting is more precise than whole-VM
	// sampling, so it wins when both exist.
	hostCPU := parsed.CPUPercentHost
	if hostCPU == nil {
		hostCPU = a.ClientCPUPercent
	}
	remoteCPU := parsed.CPUPercentRemote
	if remoteCPU == nil {
		remoteCPU = a.ServerCPUPercent
	}

	return &report.Measurement{
		ScenarioID:       a.Scenario.ID(),
		Timestamp:        a.EndedAt,
		ThroughputBps:    parsed.ThroughputBps,
		Retransmits:      parsed.Retransmits,
		CPUPercentHost:   hostCPU,
		CPUPercentRemote: remoteCPU,
		LatencyMs:        parsed.LatencyMs,
	}, nil
}

// NormalizeAll processes every attempt, logging parse failures and
// continuing; one schema mismatch never costs the rest of the run's
// measurements.
func (n *Normalizer) NormalizeAll(attempts []*scenario.RunAttempt) []*report.Measurement {
	out := []*report.Measurement{}
	for _, a := range attempts {
		if a.State != scenario.StateSucceeded {
			continue
		}
		m, err := n.Normalize(a)
		if err != nil {
			slog.Error("normalization failed", slog.String("attemptID", a.ID), slog.String("error", err.Error()))
			continue
		}
		out = append(out, m)
	}
	return out
}

func excerpt(raw string) string {
	if len(raw) > 200 {
		return raw[:200] + "..."
	}
	return raw
}
