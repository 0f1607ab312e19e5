// Package config loads runtime configuration. Options mirror the recognized
// settings for the planner runtime, task admission, error recovery, and task
// groups; unset fields take documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Runtime configures the planner loop.
	Runtime struct {
		// MaxIters bounds loop iterations per task.
		MaxIters int `yaml:"max_iters"`
		// MaxRetries bounds parse/validation retries per LLM call.
		MaxRetries int `yaml:"max_retries"`
		// TimeoutS bounds one LLM call, in seconds.
		TimeoutS float64 `yaml:"timeout_s"`
		// StreamingEnabled turns on answer streaming.
		StreamingEnabled bool `yaml:"streaming_enabled"`
		// AutoSeqEnabled turns on deterministic next-tool detection.
		AutoSeqEnabled bool `yaml:"auto_seq_enabled"`
		// AutoSeqExecute executes detected tools instead of only reporting.
		AutoSeqExecute bool `yaml:"auto_seq_execute"`
		// AutoSeqReadOnlyOnly restricts auto-seq to pure/read tools.
		AutoSeqReadOnlyOnly bool `yaml:"auto_seq_read_only_only"`
		// AutoSeqAllowStateful permits stateful tools under explicit opt-in
		// when AutoSeqReadOnlyOnly is off.
		AutoSeqAllowStateful bool `yaml:"auto_seq_allow_stateful"`
	}

	// Tasks configures task admission and lifetimes.
	Tasks struct {
		MaxTotalTasks      int     `yaml:"max_total_tasks"`
		MaxConcurrentTasks int     `yaml:"max_concurrent_tasks"`
		MaxTaskLifetimeS   float64 `yaml:"max_task_lifetime_s"`
		// MaxPendingUserMessages caps queued USER_MESSAGE steering per task.
		MaxPendingUserMessages int     `yaml:"max_pending_user_messages"`
		RetainTurnTimeoutS     float64 `yaml:"retain_turn_timeout_s"`
		// BackgroundContinuationMaxHops bounds continuation after a retain-turn
		// timeout forces a yield.
		BackgroundContinuationMaxHops int `yaml:"background_continuation_max_hops"`
	}

	// Recovery configures error recovery and compression.
	Recovery struct {
		Enabled                   bool `yaml:"enabled"`
		MaxCompressRetries        int  `yaml:"max_compress_retries"`
		CompressionThresholdChars int  `yaml:"compression_threshold_chars"`
	}

	// Groups configures task group defaults.
	Groups struct {
		DefaultGroupMergeStrategy string  `yaml:"default_group_merge_strategy"`
		DefaultGroupReport        string  `yaml:"default_group_report"`
		GroupTimeoutS             float64 `yaml:"group_timeout_s"`
		GroupPartialOnFailure     bool    `yaml:"group_partial_on_failure"`
		AutoSealGroupsOnYield     bool    `yaml:"auto_seal_groups_on_foreground_yield"`
	}

	// Config is the full runtime configuration.
	Config struct {
		Runtime  Runtime  `yaml:"runtime"`
		Tasks    Tasks    `yaml:"tasks"`
		Recovery Recovery `yaml:"recovery"`
		Groups   Groups   `yaml:"groups"`
	}
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Runtime: Runtime{
			MaxIters:            25,
			MaxRetries:          3,
			TimeoutS:            120,
			StreamingEnabled:    true,
			AutoSeqEnabled:      true,
			AutoSeqExecute:      true,
			AutoSeqReadOnlyOnly: true,
		},
		Tasks: Tasks{
			MaxTotalTasks:                 32,
			MaxConcurrentTasks:            4,
			MaxTaskLifetimeS:              1800,
			MaxPendingUserMessages:        2,
			RetainTurnTimeoutS:            120,
			BackgroundContinuationMaxHops: 3,
		},
		Recovery: Recovery{
			Enabled:                   true,
			MaxCompressRetries:        1,
			CompressionThresholdChars: 4096,
		},
		Groups: Groups{
			DefaultGroupMergeStrategy: "append",
			DefaultGroupReport:        "all",
			GroupTimeoutS:             600,
			AutoSealGroupsOnYield:     true,
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if c.Runtime.MaxIters <= 0 {
		return fmt.Errorf("config: runtime.max_iters must be positive")
	}
	if c.Runtime.MaxRetries < 0 {
		return fmt.Errorf("config: runtime.max_retries must not be negative")
	}
	if c.Tasks.MaxConcurrentTasks > c.Tasks.MaxTotalTasks && c.Tasks.MaxTotalTasks > 0 {
		return fmt.Errorf("config: tasks.max_concurrent_tasks exceeds max_total_tasks")
	}
	switch c.Groups.DefaultGroupMergeStrategy {
	case "append", "replace", "human_gated":
	default:
		return fmt.Errorf("config: unknown groups.default_group_merge_strategy %q", c.Groups.DefaultGroupMergeStrategy)
	}
	switch c.Groups.DefaultGroupReport {
	case "all", "any", "none":
	default:
		return fmt.Errorf("config: unknown groups.default_group_report %q", c.Groups.DefaultGroupReport)
	}
	return nil
}

// LLMTimeout returns the per-call timeout as a duration.
func (r Runtime) LLMTimeout() time.Duration {
	return time.Duration(r.TimeoutS * float64(time.Second))
}

// TaskLifetime returns the per-task lifetime as a duration.
func (t Tasks) TaskLifetime() time.Duration {
	return time.Duration(t.MaxTaskLifetimeS * float64(time.Second))
}

// RetainTurnTimeout returns the retain-turn timeout as a duration.
func (t Tasks) RetainTurnTimeout() time.Duration {
	return time.Duration(t.RetainTurnTimeoutS * float64(time.Second))
}

// GroupTimeout returns the group timeout as a duration.
func (g Groups) GroupTimeout() time.Duration {
	return time.Duration(g.GroupTimeoutS * float64(time.Second))
}
