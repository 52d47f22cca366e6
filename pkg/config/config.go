// Package config holds the orchestrator configuration: defaults defined in
// Go, an optional swarm.yaml override merged on top, and SWARM_* environment
// variables applied last.
package config

import "time"

// Config is the complete orchestrator configuration.
type Config struct {
	Monitor    MonitorConfig    `yaml:"monitor"`
	Retry      RetryConfig      `yaml:"retry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Agent      AgentConfig      `yaml:"agent"`
	API        APIConfig        `yaml:"api"`
	Paths      PathsConfig      `yaml:"paths"`
	NoColor    bool             `yaml:"no_color"`
}

// MonitorConfig tunes the monitor loop and its watchdogs.
type MonitorConfig struct {
	// Interval between monitor iterations.
	Interval time.Duration `yaml:"interval"`
	// AgentTimeout is the per-agent-response watchdog on lastActivityAt.
	AgentTimeout time.Duration `yaml:"agent_timeout"`
	// WorkflowTimeout is the whole-workflow deadline.
	WorkflowTimeout time.Duration `yaml:"workflow_timeout"`
}

// RetryConfig is the default retry policy for recoverable operations.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterPercent     int           `yaml:"jitter_percent"`
}

// CheckpointConfig tunes checkpoint creation and retention. Enabled is a
// pointer so a YAML `enabled: false` survives the override merge.
type CheckpointConfig struct {
	Enabled   *bool         `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Retention int           `yaml:"retention"`
}

// IsEnabled dereferences the tri-state flag; unset means enabled.
func (c CheckpointConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RecoveryConfig caps recovery attempts to prevent infinite loops.
type RecoveryConfig struct {
	MaxAttemptsPerAgent   int  `yaml:"max_attempts_per_agent"`
	MaxAttemptsPerSession int  `yaml:"max_attempts_per_session"`
	AllowPartial          bool `yaml:"allow_partial"`
}

// AgentConfig tunes agent spawn behavior.
type AgentConfig struct {
	// Binary is the assistant executable started in each pane.
	Binary string `yaml:"binary"`
	// Resume starts the assistant with --resume so it picks up the
	// worktree prompt file as persistent context. Pointer so a YAML
	// `resume: false` survives the override merge.
	Resume *bool `yaml:"resume"`
	// ReadyTimeout bounds readiness detection after spawn.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	// ReadyPollInterval is the capture-pane poll cadence.
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`
}

// ResumeEnabled dereferences the tri-state flag; unset means enabled.
func (c AgentConfig) ResumeEnabled() bool {
	return c.Resume == nil || *c.Resume
}

// APIConfig tunes the optional read-only status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// PathsConfig locates the on-disk state relative to the session root.
type PathsConfig struct {
	// Root is the session root (the orchestrated repository).
	Root string `yaml:"root"`
	// StateDir is the swarm state directory under Root.
	StateDir string `yaml:"state_dir"`
	// RolesDir holds the shipped per-role prompt files.
	RolesDir string `yaml:"roles_dir"`
	// OutputsDir receives the synthesised final outputs.
	OutputsDir string `yaml:"outputs_dir"`
	// LogsDir receives per-session log files.
	LogsDir string `yaml:"logs_dir"`
}
