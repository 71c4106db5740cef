package tool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/tunnelbench/tunnelbench/util"
)

type PingInput struct {
	Name        string
	Count       int
	IntervalSec float64
}

// ping measures round-trip latency through the tunnel. It has no server
// side; the remote kernel answers.
type pingTool struct {
	input *PingInput
}

func init() {
	RegisterTool("ping", func(a map[string]any) (Tool, error) {
		input := &PingInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to PingInput: %w", err)
		}
		return NewPingTool(input)
	})
}

func NewPingTool(input *PingInput) (Tool, error) {
	if input.Count == 0 {
		input.Count = 10
	}
	if input.IntervalSec == 0 {
		input.IntervalSec = 0.2
	}
	if input.Name == "" {
		input.Name = "ping"
	}
	return &pingTool{input: input}, nil
}

func (t *pingTool) GetName() string { return t.input.Name }

func (t *pingTool) Packages() []string { return nil }

func (t *pingTool) NeedsServer() bool { return false }

func (t *pingTool) Port() int { return 0 }

func (t *pingTool) ServerCommand() string { return "" }

func (t *pingTool) ClientCommand(serverAddr string, _ string) string {
	return fmt.Sprintf("ping -c %d -i %g %s", t.input.Count, t.input.IntervalSec, serverAddr)
}

// The summary is the last line:
// rtt min/avg/max/mdev = 0.045/0.058/0.078/0.011 ms
func (t *pingTool) ParseOutput(raw []byte, _ string) (*Result, error) {
	line := util.LastNonEmptyLine(raw)
	if !strings.HasPrefix(line, "rtt") && !strings.HasPrefix(line, "round-trip") {
		return nil, fmt.Errorf("can't find rtt summary in ping output: %s", excerpt(raw))
	}
	parts := strings.Split(line, "=")
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed rtt summary: %s", line)
	}
	stats := strings.Split(strings.Fields(strings.TrimSpace(parts[1]))[0], "/")
	if len(stats) < 2 {
		return nil, fmt.Errorf("malformed rtt summary: %s", line)
	}
	avg, err := strconv.ParseFloat(stats[1], 64)
	if err != nil {
		return nil, fmt.Errorf("can't parse avg rtt: %w", err)
	}
	return &Result{LatencyMs: float64Ptr(avg)}, nil
}

func (t *pingTool) GetInput() map[string]any {
	return map[string]any{
		"Count":       t.input.Count,
		"IntervalSec": t.input.IntervalSec,
	}
}
