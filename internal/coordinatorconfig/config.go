// Package coordinatorconfig loads the coordinator's on-disk defaults and
// applies environment-variable overrides, the same layering the rest of
// the coordinator stack expects: file defaults first, then env vars take
// precedence for the fields that have one.
package coordinatorconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/4xguy/pi-mono/internal/topology"
	"github.com/4xguy/pi-mono/internal/worktree"
)

const (
	EnvTopologyPolicy     = "SUBAGENT_TOPOLOGY_POLICY"
	EnvExecutionIsolation = "SUBAGENT_EXECUTION_ISOLATION"
	EnvWorktreeBaseDir    = "SUBAGENT_WORKTREE_BASE_DIR"
)

// Config is the coordinator's static configuration: policy/isolation
// defaults, phase gate defaults, and file layout roots.
type Config struct {
	TopologyPolicy     string `yaml:"topology_policy"`
	ExecutionIsolation string `yaml:"execution_isolation"`
	WorktreeBaseDir    string `yaml:"worktree_base_dir"`
	MemoryDir          string `yaml:"memory_dir"`

	RequirePhaseSmoke   bool     `yaml:"require_phase_smoke"`
	PhaseSmokeCommands  []string `yaml:"phase_smoke_commands"`
	PhaseSmokeRetries   int      `yaml:"phase_smoke_retries"`
	PhaseMaxFixAttempts int      `yaml:"phase_max_fix_attempts"`

	AgentBinary string `yaml:"agent_binary"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the coordinator's built-in defaults, applied before any
// file or environment layer.
func Default() *Config {
	return &Config{
		TopologyPolicy:      string(topology.PolicyAuto),
		ExecutionIsolation:  "auto",
		WorktreeBaseDir:     "",
		MemoryDir:           "",
		RequirePhaseSmoke:   false,
		PhaseSmokeCommands:  nil,
		PhaseSmokeRetries:   1,
		PhaseMaxFixAttempts: 2,
		AgentBinary:         "pi",
		LogLevel:            "info",
	}
}

// Load reads path (typically "<cwd>/.pi/coordinator.yaml"), merging
// non-zero fields over the defaults. A missing file is not an error — the
// defaults (with env overrides applied) are returned as-is. A malformed
// file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coordinator config: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse coordinator config %s: %w", path, err)
	}

	if file.TopologyPolicy != "" {
		cfg.TopologyPolicy = file.TopologyPolicy
	}
	if file.ExecutionIsolation != "" {
		cfg.ExecutionIsolation = file.ExecutionIsolation
	}
	if file.WorktreeBaseDir != "" {
		cfg.WorktreeBaseDir = file.WorktreeBaseDir
	}
	if file.MemoryDir != "" {
		cfg.MemoryDir = file.MemoryDir
	}
	if file.RequirePhaseSmoke {
		cfg.RequirePhaseSmoke = true
	}
	if len(file.PhaseSmokeCommands) > 0 {
		cfg.PhaseSmokeCommands = file.PhaseSmokeCommands
	}
	if file.PhaseSmokeRetries != 0 {
		cfg.PhaseSmokeRetries = file.PhaseSmokeRetries
	}
	if file.PhaseMaxFixAttempts != 0 {
		cfg.PhaseMaxFixAttempts = file.PhaseMaxFixAttempts
	}
	if file.AgentBinary != "" {
		cfg.AgentBinary = file.AgentBinary
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFromDir loads ".pi/coordinator.yaml" under dir.
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, ".pi", "coordinator.yaml"))
}

// applyEnvOverrides lets the three documented environment variables win
// over both defaults and file configuration, matching the cross-process
// fallback contract used for nested invocations.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvTopologyPolicy); v != "" {
		cfg.TopologyPolicy = v
	}
	if v := os.Getenv(EnvExecutionIsolation); v != "" {
		cfg.ExecutionIsolation = v
	}
	if v := os.Getenv(EnvWorktreeBaseDir); v != "" {
		cfg.WorktreeBaseDir = v
	}
}

// TopologyPolicyValue resolves the configured policy string to a
// topology.Policy, defaulting to auto for anything unrecognized.
func (c *Config) TopologyPolicyValue() topology.Policy {
	if c.ExecutionIsolationIsAdvisory() {
		return topology.PolicyAdvisory
	}
	return topology.PolicyAuto
}

// ExecutionIsolationIsAdvisory reports whether the configured topology
// policy string is "advisory" (case-sensitive, matching the wire values).
func (c *Config) ExecutionIsolationIsAdvisory() bool {
	return c.TopologyPolicy == string(topology.PolicyAdvisory)
}

// ExplicitIsolationMode resolves the configured execution isolation string
// to an explicit worktree.Mode, or "" when it should be decided
// automatically per task content.
func (c *Config) ExplicitIsolationMode() worktree.Mode {
	switch c.ExecutionIsolation {
	case string(worktree.ModeShared):
		return worktree.ModeShared
	case string(worktree.ModeWorktree):
		return worktree.ModeWorktree
	default:
		return ""
	}
}
