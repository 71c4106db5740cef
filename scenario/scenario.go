package scenario

import (
	"fmt"
	"sort"
	"time"
)

// Topologies describe where the benchmark traffic flows.
const (
	// TopologyDirect runs the benchmark over the machines' public
	// addresses, bypassing any tunnel.
	TopologyDirect = "direct"
	// TopologyTunnel runs the benchmark through the VPN stack's tunnel
	// addresses.
	TopologyTunnel = "tunnel"
)

// A Scenario identifies one benchmark execution: which VPN variant, which
// topology, which tool, and which traffic direction.
type Scenario struct {
	VPN       string `json:"vpn"`
	Topology  string `json:"topology"`
	Tool      string `json:"tool"`
	Direction string `json:"direction"`
}

func (s Scenario) ID() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.VPN, s.Topology, s.Tool, s.Direction)
}

// An Exclusion removes matching scenarios from the matrix. Empty fields
// match anything.
type Exclusion struct {
	VPN      string
	Topology string
	Tool     string
}

func (e Exclusion) matches(s Scenario) bool {
	if e.VPN != "" && e.VPN != s.VPN {
		return false
	}
	if e.Topology != "" && e.Topology != s.Topology {
		return false
	}
	if e.Tool != "" && e.Tool != s.Tool {
		return false
	}
	return true
}

// Enumerate builds the full scenario list up front: the cartesian product
// of the configured dimensions minus exclusions, sorted by vpn, topology,
// tool, then direction so re-runs are reproducible and diffable.
func Enumerate(vpns, topologies, tools, directions []string, exclude []Exclusion) []Scenario {
	out := []Scenario{}
	for _, v := range vpns {
		for _, tp := range topologies {
			for _, tl := range tools {
				for _, d := range directions {
					s := Scenario{VPN: v, Topology: tp, Tool: tl, Direction: d}
					excluded := false
					for _, e := range exclude {
						if e.matches(s) {
							excluded = true
							break
						}
					}
					if !excluded {
						out = append(out, s)
					}
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VPN != out[j].VPN {
			return out[i].VPN < out[j].VPN
		}
		if out[i].Topology != out[j].Topology {
			return out[i].Topology < out[j].Topology
		}
		if out[i].Tool != out[j].Tool {
			return out[i].Tool < out[j].Tool
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

type State string

const (
	StatePending    State = "PENDING"
	StateDispatched State = "DISPATCHED"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateTimedOut   State = "TIMED_OUT"
	StateSkipped    State = "SKIPPED"
)

// Terminal reports whether the state ends an attempt's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateSkipped:
		return true
	}
	return false
}

// A RunAttempt is the timed execution of one Scenario against a live
// fleet, including its retries. Only the Runner mutates it; once the
// state is terminal it is never written again.
type RunAttempt struct {
	ID        string    `json:"id"`
	Scenario  Scenario  `json:"scenario"`
	State     State     `json:"state"`
	Retries   int       `json:"retries"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	ExitCode  int       `json:"exit_code"`
	// CPU busy percentages sampled from /proc/stat on each VM across the
	// attempt. Nil when sampling failed or was unavailable.
	ClientCPUPercent *float64 `json:"client_cpu_percent,omitempty"`
	ServerCPUPercent *float64 `json:"server_cpu_percent,omitempty"`
	// RawOutput is the client tool's stdout and stderr, stored verbatim
	// before any parsing so a bad parse never loses evidence.
	RawOutput string `json:"raw_output,omitempty"`
	Error     string `json:"error,omitempty"`
}
