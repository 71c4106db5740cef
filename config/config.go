package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tunnelbench/tunnelbench/fleet"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAttemptTimeout   = 3 * time.Minute
	DefaultProvisionTimeout = 5 * time.Minute
	DefaultDeployTimeout    = 3 * time.Minute
	DefaultRetries          = 2
	DefaultRetryBackoff     = 5 * time.Second
	DefaultResultDir        = "results"
	DefaultMachineType      = "t3.medium"
	DefaultImageID          = "ami-05fb0b8c1424f266b" // ubuntu 22.04 from canonical
)

// Duration accepts YAML strings like "90s" or "3m". The yaml package
// knows nothing about time.Duration, so the parsing lives here.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ToolSpec selects a benchmark tool by registered type name plus its
// free-form input, decoded by the tool factory.
type ToolSpec struct {
	Type  string         `yaml:"type"`
	Input map[string]any `yaml:"input"`
}

// VPNSpec selects a VPN stack by registered type name plus its free-form
// input, decoded by the stack factory.
type VPNSpec struct {
	Type  string         `yaml:"type"`
	Input map[string]any `yaml:"input"`
}

// Exclusion removes one (vpn, topology) pairing from the scenario matrix.
// Empty fields match anything.
type Exclusion struct {
	VPN      string `yaml:"vpn"`
	Topology string `yaml:"topology"`
	Tool     string `yaml:"tool"`
}

// RetryConfig bounds how often a failed or timed-out scenario is
// re-dispatched. Retries counts re-dispatches, not total attempts.
type RetryConfig struct {
	Retries int      `yaml:"retries"`
	Backoff Duration `yaml:"backoff"`
}

type RunConfig struct {
	ResultDir        string      `yaml:"result_dir"`
	Concurrency      int         `yaml:"concurrency"`
	AttemptTimeout   Duration    `yaml:"attempt_timeout"`
	ProvisionTimeout Duration    `yaml:"provision_timeout"`
	DeployTimeout    Duration    `yaml:"deploy_timeout"`
	Retry            RetryConfig `yaml:"retry"`
	UploadBucket     string      `yaml:"upload_bucket"`
}

type Config struct {
	Run        RunConfig       `yaml:"run"`
	Fleet      fleet.FleetSpec `yaml:"fleet"`
	VPNs       []VPNSpec       `yaml:"vpns"`
	Topologies []string        `yaml:"topologies"`
	Tools      []ToolSpec      `yaml:"tools"`
	Directions []string        `yaml:"directions"`
	Exclude    []Exclusion     `yaml:"exclude"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Run.ResultDir == "" {
		cfg.Run.ResultDir = DefaultResultDir
	}
	if cfg.Run.Concurrency == 0 {
		// Sequential keeps measurements free of cross-talk.
		cfg.Run.Concurrency = 1
	}
	if cfg.Run.AttemptTimeout == 0 {
		cfg.Run.AttemptTimeout = Duration(DefaultAttemptTimeout)
	}
	if cfg.Run.ProvisionTimeout == 0 {
		cfg.Run.ProvisionTimeout = Duration(DefaultProvisionTimeout)
	}
	if cfg.Run.DeployTimeout == 0 {
		cfg.Run.DeployTimeout = Duration(DefaultDeployTimeout)
	}
	if cfg.Run.Retry.Retries == 0 {
		cfg.Run.Retry.Retries = DefaultRetries
	}
	if cfg.Run.Retry.Backoff == 0 {
		cfg.Run.Retry.Backoff = Duration(DefaultRetryBackoff)
	}
	if cfg.Fleet.MachineType == "" {
		cfg.Fleet.MachineType = DefaultMachineType
	}
	if cfg.Fleet.ImageID == "" {
		cfg.Fleet.ImageID = DefaultImageID
	}
	if len(cfg.Topologies) == 0 {
		cfg.Topologies = []string{"tunnel"}
	}
	if len(cfg.Directions) == 0 {
		cfg.Directions = []string{"upload"}
	}
}

// Validate performs minimal validation for required fields.
func Validate(cfg *Config) error {
	if err := cfg.Fleet.Validate(); err != nil {
		return err
	}
	if len(cfg.VPNs) == 0 {
		return fmt.Errorf("at least one vpn variant is required")
	}
	if len(cfg.Tools) == 0 {
		return fmt.Errorf("at least one benchmark tool is required")
	}
	for _, t := range cfg.Tools {
		if t.Type == "" {
			return fmt.Errorf("tool entry is missing a type")
		}
	}
	for _, v := range cfg.VPNs {
		if v.Type == "" {
			return fmt.Errorf("vpn entry is missing a type")
		}
	}
	for _, tp := range cfg.Topologies {
		if tp != "direct" && tp != "tunnel" {
			return fmt.Errorf("unknown topology: %s", tp)
		}
	}
	for _, d := range cfg.Directions {
		if d != "upload" && d != "download" {
			return fmt.Errorf("unknown direction: %s", d)
		}
	}
	return nil
}
