package vpn

import (
	"github.com/tunnelbench/tunnelbench/fleet"
)

// The baseline: no tunnel at all. Benchmarks run over the machines'
// public addresses so every other stack can be compared against raw
// network performance.
type noneStack struct{}

func init() {
	RegisterStack("none", func(map[string]any) (Stack, error) {
		return &noneStack{}, nil
	})
}

func (s *noneStack) GetName() string { return "none" }

func (s *noneStack) Packages() []string { return nil }

func (s *noneStack) ConfigFiles(fleet.Role, Endpoints) (map[string][]byte, error) {
	return nil, nil
}

func (s *noneStack) UpCommands(fleet.Role) []string { return nil }

func (s *noneStack) DownCommands(fleet.Role) []string { return nil }

func (s *noneStack) ReadyCommand(fleet.Role) string { return "true" }

func (s *noneStack) TunnelAddr(fleet.Role) string { return "" }
