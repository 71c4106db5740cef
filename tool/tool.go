package tool

import (
	"fmt"
)

// Direction of traffic relative to the client VM.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Result holds the fields a tool's raw output can yield. A nil pointer
// means the tool does not report that quantity; it is never zero-filled.
type Result struct {
	ThroughputBps    *float64
	Retransmits      *int64
	CPUPercentHost   *float64
	CPUPercentRemote *float64
	LatencyMs        *float64
}

// A Tool is one benchmark binary under a fixed CLI contract: an optional
// server mode, a client invocation, and parseable stdout.
type Tool interface {
	// A human-friendly name. Used in scenario IDs and reports.
	GetName() string

	// Packages to install on every participating VM.
	Packages() []string

	// Whether the tool needs a server-side process running before the
	// client is invoked.
	NeedsServer() bool

	// The command that runs the server side in the foreground. It is
	// killed by the runner once the client finishes.
	ServerCommand() string

	// The port the server listens on. 0 when NeedsServer is false.
	Port() int

	// The command that runs the client side against serverAddr and emits
	// the tool's structured result on stdout.
	ClientCommand(serverAddr string, direction string) string

	// Parse the entire client stdout into normalized fields.
	ParseOutput(raw []byte, direction string) (*Result, error)

	// Any input given to this tool by the user. Included in the manifest.
	GetInput() map[string]any
}

// Tools that know how to verify the installed binary version implement
// VersionChecker; the deployment driver gates readiness on it.
type VersionChecker interface {
	// A command whose first output line contains the installed version.
	VersionCommand() string

	// Extract the version from the command output.
	ParseVersion(out []byte) (string, error)

	// The minimum version the parser supports.
	MinVersion() string
}

type toolType string

type toolFactory func(map[string]any) (Tool, error)

var tools map[toolType]toolFactory

// All tools must register themselves at module load time so that run
// configuration can name a tool by type.
func RegisterTool(ttype string, f toolFactory) {
	if tools == nil {
		tools = map[toolType]toolFactory{}
	}
	tools[toolType(ttype)] = f
}

func NewTool(ttype string, input map[string]any) (Tool, error) {
	f, ok := tools[toolType(ttype)]
	if !ok {
		return nil, fmt.Errorf("unknown tool type: %s", ttype)
	}
	return f(input)
}

func float64Ptr(v float64) *float64 { return &v }

func int64Ptr(v int64) *int64 { return &v }
