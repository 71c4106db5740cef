package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

type Iperf3Input struct {
	Name        string
	Port        int
	DurationSec int
	Parallel    int
}

type iperf3Tool struct {
	input *Iperf3Input
}

func init() {
	RegisterTool("iperf3", func(a map[string]any) (Tool, error) {
		input := &Iperf3Input{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to Iperf3Input: %w", err)
		}
		return NewIperf3Tool(input)
	})
}

func NewIperf3Tool(input *Iperf3Input) (Tool, error) {
	if input.Port == 0 {
		input.Port = 5201
	}
	if input.DurationSec == 0 {
		input.DurationSec = 10
	}
	if input.Parallel == 0 {
		input.Parallel = 1
	}
	if input.Name == "" {
		input.Name = "iperf3"
	}
	return &iperf3Tool{input: input}, nil
}

func (t *iperf3Tool) GetName() string { return t.input.Name }

func (t *iperf3Tool) Packages() []string { return []string{"iperf3"} }

func (t *iperf3Tool) NeedsServer() bool { return true }

func (t *iperf3Tool) Port() int { return t.input.Port }

func (t *iperf3Tool) ServerCommand() string {
	return fmt.Sprintf("iperf3 -s --one-off -p %d", t.input.Port)
}

func (t *iperf3Tool) ClientCommand(serverAddr string, direction string) string {
	cmd := fmt.Sprintf("iperf3 -c %s -p %d -t %d -P %d --json",
		serverAddr, t.input.Port, t.input.DurationSec, t.input.Parallel)
	if direction == DirectionDownload {
		cmd += " -R"
	}
	return cmd
}

// The subset of iperf3's JSON output we consume.
type iperf3Output struct {
	End struct {
		SumSent struct {
			BitsPerSecond float64 `json:"bits_per_second"`
			Retransmits   *int64  `json:"retransmits"`
		} `json:"sum_sent"`
		SumReceived struct {
			BitsPerSecond float64 `json:"bits_per_second"`
		} `json:"sum_received"`
		CPUUtilizationPercent struct {
			HostTotal   *float64 `json:"host_total"`
			RemoteTotal *float64 `json:"remote_total"`
		} `json:"cpu_utilization_percent"`
	} `json:"end"`
	Error string `json:"error"`
}

func (t *iperf3Tool) ParseOutput(raw []byte, direction string) (*Result, error) {
	out := &iperf3Output{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("can't parse iperf3 JSON output: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("iperf3 reported an error: %s", out.Error)
	}

	// What arrived matters, so report the receiver-side rate. Retransmits
	// are only counted on the sending side and only for TCP.
	bps := out.End.SumReceived.BitsPerSecond
	if bps == 0 {
		bps = out.End.SumSent.BitsPerSecond
	}
	if bps == 0 {
		return nil, fmt.Errorf("iperf3 output has no throughput: %s", excerpt(raw))
	}

	// Absent fields stay absent; a fabricated 0.0 would shadow the
	// whole-VM CPU fallback downstream.
	result := &Result{ThroughputBps: float64Ptr(bps)}
	if out.End.SumSent.Retransmits != nil {
		result.Retransmits = int64Ptr(*out.End.SumSent.Retransmits)
	}
	if out.End.CPUUtilizationPercent.HostTotal != nil {
		result.CPUPercentHost = float64Ptr(*out.End.CPUUtilizationPercent.HostTotal)
	}
	if out.End.CPUUtilizationPercent.RemoteTotal != nil {
		result.CPUPercentRemote = float64Ptr(*out.End.CPUUtilizationPercent.RemoteTotal)
	}
	return result, nil
}

func (t *iperf3Tool) GetInput() map[string]any {
	return map[string]any{
		"Port":        t.input.Port,
		"DurationSec": t.input.DurationSec,
		"Parallel":    t.input.Parallel,
	}
}

func (t *iperf3Tool) VersionCommand() string { return "iperf3 --version" }

// The first output line looks like "iperf 3.9 (cJSON 1.7.13)".
func (t *iperf3Tool) ParseVersion(out []byte) (string, error) {
	fields := strings.Fields(strings.Split(string(out), "\n")[0])
	if len(fields) < 2 {
		return "", fmt.Errorf("can't parse iperf3 version from: %s", excerpt(out))
	}
	return fields[1], nil
}

// CPU utilization appears in the JSON schema we rely on from 3.7.
func (t *iperf3Tool) MinVersion() string { return "3.7" }

func excerpt(raw []byte) string {
	s := string(raw)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return strings.TrimSpace(s)
}
