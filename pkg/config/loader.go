package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the optional override file looked up in the config dir.
const ConfigFileName = "swarm.yaml"

// Load assembles the configuration: defaults, then swarm.yaml from dir (if
// present), then SWARM_* environment variables. A .env file in dir is loaded
// first so it can supply those variables.
func Load(dir string) (*Config, error) {
	if dir != "" {
		envPath := filepath.Join(dir, ".env")
		if err := godotenv.Load(envPath); err != nil {
			slog.Debug("No .env file, continuing with existing environment", "path", envPath)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}
	}

	cfg := Defaults()

	if dir != "" {
		path := filepath.Join(dir, ConfigFileName)
		if data, err := os.ReadFile(path); err == nil {
			var override Config
			if err := yaml.Unmarshal(data, &override); err != nil {
				return nil, NewLoadError(path, err)
			}
			if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
				return nil, NewLoadError(path, err)
			}
			slog.Info("Loaded configuration overrides", "path", path)
		} else if !os.IsNotExist(err) {
			return nil, NewLoadError(path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the SWARM_* environment variables. They win over both
// defaults and the YAML file.
func applyEnv(cfg *Config) {
	if v, ok := envInt("SWARM_MAX_RETRIES"); ok {
		cfg.Retry.MaxRetries = v
	}
	if v, ok := envDuration("SWARM_RETRY_DELAY"); ok {
		cfg.Retry.InitialDelay = v
	}
	if v, ok := envBool("SWARM_CHECKPOINT_ENABLED"); ok {
		cfg.Checkpoint.Enabled = &v
	}
	if v, ok := envDuration("SWARM_CHECKPOINT_INTERVAL"); ok {
		cfg.Checkpoint.Interval = v
	}
	if v, ok := envBool("SWARM_ALLOW_PARTIAL"); ok {
		cfg.Recovery.AllowPartial = v
	}
	if v, ok := envBool("SWARM_NO_COLOR"); ok {
		cfg.NoColor = v
	}
	if v, ok := envDuration("SWARM_DEFAULT_TIMEOUT"); ok {
		cfg.Monitor.WorkflowTimeout = v
	}
	if v, ok := envDuration("SWARM_MONITOR_INTERVAL"); ok {
		cfg.Monitor.Interval = v
	}
}

// envDuration reads a duration env var. Plain integers are taken as seconds
// for ergonomic shell usage.
func envDuration(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	slog.Warn("Ignoring invalid duration", "key", key, "value", raw)
	return 0, false
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring invalid integer", "key", key, "value", raw)
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Ignoring invalid boolean", "key", key, "value", raw)
		return false, false
	}
	return b, true
}

// Validate checks the assembled configuration for values the orchestrator
// cannot run with.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return NewValidationError("monitor", "interval", fmt.Errorf("must be positive, got %s", c.Monitor.Interval))
	}
	if c.Monitor.AgentTimeout <= 0 {
		return NewValidationError("monitor", "agent_timeout", fmt.Errorf("must be positive, got %s", c.Monitor.AgentTimeout))
	}
	if c.Monitor.WorkflowTimeout <= 0 {
		return NewValidationError("monitor", "workflow_timeout", fmt.Errorf("must be positive, got %s", c.Monitor.WorkflowTimeout))
	}
	if c.Retry.MaxRetries < 0 {
		return NewValidationError("retry", "max_retries", fmt.Errorf("must not be negative, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.BackoffMultiplier < 1 {
		return NewValidationError("retry", "backoff_multiplier", fmt.Errorf("must be >= 1, got %v", c.Retry.BackoffMultiplier))
	}
	if c.Retry.JitterPercent < 0 || c.Retry.JitterPercent > 100 {
		return NewValidationError("retry", "jitter_percent", fmt.Errorf("must be in [0,100], got %d", c.Retry.JitterPercent))
	}
	if c.Checkpoint.Retention < 1 {
		return NewValidationError("checkpoint", "retention", fmt.Errorf("must be >= 1, got %d", c.Checkpoint.Retention))
	}
	if c.Recovery.MaxAttemptsPerAgent < 1 {
		return NewValidationError("recovery", "max_attempts_per_agent", fmt.Errorf("must be >= 1, got %d", c.Recovery.MaxAttemptsPerAgent))
	}
	if c.Agent.Binary == "" {
		return NewValidationError("agent", "binary", fmt.Errorf("must not be empty"))
	}
	return nil
}

// StateDir returns the absolute swarm state directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.Paths.Root, c.Paths.StateDir)
}

// MessagesDir returns the message queue root.
func (c *Config) MessagesDir() string {
	return filepath.Join(c.StateDir(), "messages")
}

// DatabasePath returns the audit store file path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir(), "memory.db")
}

// PidPath returns the pidfile path recording the running orchestrator.
func (c *Config) PidPath() string {
	return filepath.Join(c.StateDir(), "swarm.pid")
}

// SessionSnapshotPath returns the optional state snapshot path for a session.
func (c *Config) SessionSnapshotPath(sessionID string) string {
	return filepath.Join(c.StateDir(), "sessions", sessionID+".json")
}

// OutputsDir returns the final-output directory for a session.
func (c *Config) OutputsDir(sessionID string) string {
	return filepath.Join(c.Paths.Root, c.Paths.OutputsDir, sessionID)
}

// LogPath returns the session log file path.
func (c *Config) LogPath(sessionID string) string {
	return filepath.Join(c.Paths.Root, c.Paths.LogsDir, sessionID+".log")
}

// RolesDir returns the absolute prompt source directory.
func (c *Config) RolesDir() string {
	if filepath.IsAbs(c.Paths.RolesDir) {
		return c.Paths.RolesDir
	}
	return filepath.Join(c.Paths.Root, c.Paths.RolesDir)
}
