package tool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/tunnelbench/tunnelbench/util"
)

type NetperfInput struct {
	Name        string
	Port        int
	DurationSec int
}

type netperfTool struct {
	input *NetperfInput
}

func init() {
	RegisterTool("netperf", func(a map[string]any) (Tool, error) {
		input := &NetperfInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to NetperfInput: %w", err)
		}
		return NewNetperfTool(input)
	})
}

func NewNetperfTool(input *NetperfInput) (Tool, error) {
	if input.Port == 0 {
		input.Port = 12865
	}
	if input.DurationSec == 0 {
		input.DurationSec = 10
	}
	if input.Name == "" {
		input.Name = "netperf"
	}
	return &netperfTool{input: input}, nil
}

func (t *netperfTool) GetName() string { return t.input.Name }

func (t *netperfTool) Packages() []string { return []string{"netperf"} }

func (t *netperfTool) NeedsServer() bool { return true }

func (t *netperfTool) Port() int { return t.input.Port }

func (t *netperfTool) ServerCommand() string {
	// -D keeps netserver in the foreground so the runner owns its lifetime.
	return fmt.Sprintf("netserver -D -p %d", t.input.Port)
}

func (t *netperfTool) ClientCommand(serverAddr string, direction string) string {
	test := "TCP_STREAM"
	if direction == DirectionDownload {
		test = "TCP_MAERTS"
	}
	// -f b reports throughput in bits/sec; -P 0 suppresses the banner so
	// the result line is the only output.
	return fmt.Sprintf("netperf -H %s -p %d -t %s -l %d -f b -P 0",
		serverAddr, t.input.Port, test, t.input.DurationSec)
}

// With -P 0 the output is a single line of five columns; the last one is
// throughput in the unit chosen by -f.
func (t *netperfTool) ParseOutput(raw []byte, _ string) (*Result, error) {
	line := util.LastNonEmptyLine(raw)
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, fmt.Errorf("can't parse netperf output: %s", excerpt(raw))
	}
	bps, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return nil, fmt.Errorf("can't parse netperf throughput: %w", err)
	}
	return &Result{ThroughputBps: float64Ptr(bps)}, nil
}

func (t *netperfTool) GetInput() map[string]any {
	return map[string]any{
		"Port":        t.input.Port,
		"DurationSec": t.input.DurationSec,
	}
}
