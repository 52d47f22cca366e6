package config

import "time"

// Defaults returns the built-in configuration. Values mirror the documented
// orchestrator defaults: 5s monitor interval, 5m agent watchdog, 30m
// workflow deadline, 3 retries with exponential backoff and 20% jitter,
// 60s checkpoint timer keeping the 10 most recent snapshots.
func Defaults() *Config {
	return &Config{
		Monitor: MonitorConfig{
			Interval:        5 * time.Second,
			AgentTimeout:    5 * time.Minute,
			WorkflowTimeout: 30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelay:      1 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
			JitterPercent:     20,
		},
		Checkpoint: CheckpointConfig{
			Enabled:   boolPtr(true),
			Interval:  60 * time.Second,
			Retention: 10,
		},
		Recovery: RecoveryConfig{
			MaxAttemptsPerAgent:   3,
			MaxAttemptsPerSession: 10,
			AllowPartial:          true,
		},
		Agent: AgentConfig{
			Binary:            "claude",
			Resume:            boolPtr(true),
			ReadyTimeout:      60 * time.Second,
			ReadyPollInterval: 2 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7438",
		},
		Paths: PathsConfig{
			Root:       ".",
			StateDir:   ".swarm",
			RolesDir:   "roles",
			OutputsDir: "outputs",
			LogsDir:    "logs",
		},
	}
}

func boolPtr(b bool) *bool { return &b }
