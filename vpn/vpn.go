package vpn

import (
	"fmt"
	"path"

	"github.com/tunnelbench/tunnelbench/fleet"
)

// Endpoints carries the addresses a stack needs to render configuration
// for both ends of the tunnel.
type Endpoints struct {
	ServerPublicIP string
	ClientPublicIP string
}

// A Stack is one VPN/tunnel implementation under test. It knows how to
// install itself on a VM, render per-role configuration, bring the tunnel
// up and down, and report the in-tunnel address benchmarks must dial.
type Stack interface {
	// A human-friendly name. Used in scenario IDs and reports.
	GetName() string

	// Packages to install on every participating VM.
	Packages() []string

	// Files to push to the VM before bring-up, keyed by remote path.
	ConfigFiles(role fleet.Role, eps Endpoints) (map[string][]byte, error)

	// Commands that bring the tunnel up on the VM, in order.
	UpCommands(role fleet.Role) []string

	// Commands that tear the tunnel down. Must be safe to run when the
	// tunnel is already down.
	DownCommands(role fleet.Role) []string

	// A command that exits 0 once the tunnel passes traffic.
	ReadyCommand(role fleet.Role) string

	// The address the given role is reachable at through the tunnel.
	// Empty means the public address is used (no tunnel).
	TunnelAddr(role fleet.Role) string
}

type stackType string

type stackFactory func(map[string]any) (Stack, error)

var stacks map[stackType]stackFactory

// All stacks must register themselves at module load time so that run
// configuration can name a stack by type.
func RegisterStack(stype string, f stackFactory) {
	if stacks == nil {
		stacks = map[stackType]stackFactory{}
	}
	stacks[stackType(stype)] = f
}

func NewStack(stype string, input map[string]any) (Stack, error) {
	f, ok := stacks[stackType(stype)]
	if !ok {
		return nil, fmt.Errorf("unknown vpn stack type: %s", stype)
	}
	return f(input)
}

// StagePath maps a privileged remote path to the user-writable location
// the deployment driver uploads to. Up commands install files from the
// stage into place with sudo.
func StagePath(remotePath string) string {
	return path.Join("/tmp/tunnelbench", remotePath)
}

// RegisteredStacks lists every registered stack type.
func RegisteredStacks() []string {
	out := []string{}
	for s := range stacks {
		out = append(out, string(s))
	}
	return out
}
