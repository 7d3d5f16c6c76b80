// Package config defines the runtime configuration structures for the agent
// core. File discovery and merging belong to the embedding CLI; this package
// only parses, defaults, and validates.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the runtime core.
type Config struct {
	Provider   ProviderConfig   `yaml:"provider"`
	Retry      RetryConfig      `yaml:"retry"`
	Orchestra  OrchestraConfig  `yaml:"orchestrator"`
	Compaction CompactionConfig `yaml:"compaction"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Tools      ToolsConfig      `yaml:"tools"`
	SubAgent   SubAgentConfig   `yaml:"subagent"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// ProviderConfig identifies the LLM backend endpoint.
type ProviderConfig struct {
	Name          string        `yaml:"name"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	ContextWindow int           `yaml:"context_window"`
}

// RetryConfig controls transport retry behavior.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Breaker enables a circuit breaker in front of the transport.
	Breaker bool `yaml:"breaker"`
}

// OrchestraConfig controls the tool-execution loop.
type OrchestraConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	// FlushInterval coalesces UI-facing stream updates.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// CompactionConfig controls context compaction.
type CompactionConfig struct {
	WarnRatio       float64       `yaml:"warn_ratio"`
	TriggerRatio    float64       `yaml:"trigger_ratio"`
	Retention       int           `yaml:"retention"`
	KeepToolOutputs int           `yaml:"keep_tool_outputs"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MaxSummaryToken int           `yaml:"max_summary_tokens"`
	// Estimator selects "heuristic" (chars/4) or "tiktoken".
	Estimator string `yaml:"estimator"`
	Encoding  string `yaml:"encoding"`
}

// CheckpointConfig controls per-turn working-tree snapshots.
type CheckpointConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BranchPrefix string `yaml:"branch_prefix"`
	WorkDir      string `yaml:"work_dir"`
}

// ToolsConfig controls builtin tool behavior.
type ToolsConfig struct {
	// RateLimit is the max calls per tool per RateWindow. Zero disables.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
	// BashAllowlist restricts the bash tool to these base commands.
	// Empty permits everything.
	BashAllowlist []string `yaml:"bash_allowlist"`
}

// SubAgentConfig controls sub-agent spawning.
type SubAgentConfig struct {
	MaxSubAgents  int           `yaml:"max_subagents"`
	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LoggerConfig controls slog construction.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig controls OpenTelemetry setup.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Parse unmarshals YAML into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.openai.com/v1"
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 120 * time.Second
	}
	if c.Provider.ContextWindow <= 0 {
		c.Provider.ContextWindow = 128000
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Orchestra.MaxIterations <= 0 {
		c.Orchestra.MaxIterations = 10
	}
	if c.Orchestra.ToolTimeout <= 0 {
		c.Orchestra.ToolTimeout = 60 * time.Second
	}
	if c.Orchestra.FlushInterval <= 0 {
		c.Orchestra.FlushInterval = 100 * time.Millisecond
	}
	if c.Compaction.WarnRatio <= 0 {
		c.Compaction.WarnRatio = 0.70
	}
	if c.Compaction.TriggerRatio <= 0 {
		c.Compaction.TriggerRatio = 0.85
	}
	if c.Compaction.Retention <= 0 {
		c.Compaction.Retention = 10
	}
	if c.Compaction.KeepToolOutputs <= 0 {
		c.Compaction.KeepToolOutputs = 3
	}
	if c.Compaction.CacheTTL <= 0 {
		c.Compaction.CacheTTL = 30 * time.Second
	}
	if c.Compaction.MaxSummaryToken <= 0 {
		c.Compaction.MaxSummaryToken = 2048
	}
	if c.Compaction.Estimator == "" {
		c.Compaction.Estimator = "heuristic"
	}
	if c.Compaction.Encoding == "" {
		c.Compaction.Encoding = "cl100k_base"
	}
	if c.Checkpoint.BranchPrefix == "" {
		c.Checkpoint.BranchPrefix = "forge/ckpt-"
	}
	if c.Tools.RateWindow <= 0 {
		c.Tools.RateWindow = time.Minute
	}
	if c.SubAgent.MaxSubAgents <= 0 {
		c.SubAgent.MaxSubAgents = 5
	}
	if c.SubAgent.MaxIterations <= 0 {
		c.SubAgent.MaxIterations = 5
	}
	if c.SubAgent.Timeout <= 0 {
		c.SubAgent.Timeout = 120 * time.Second
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Compaction.WarnRatio >= c.Compaction.TriggerRatio {
		return fmt.Errorf("compaction: warn_ratio %.2f must be below trigger_ratio %.2f",
			c.Compaction.WarnRatio, c.Compaction.TriggerRatio)
	}
	if c.Compaction.TriggerRatio > 1.0 {
		return fmt.Errorf("compaction: trigger_ratio %.2f must not exceed 1.0", c.Compaction.TriggerRatio)
	}
	switch c.Compaction.Estimator {
	case "heuristic", "tiktoken":
	default:
		return fmt.Errorf("compaction: unknown estimator %q", c.Compaction.Estimator)
	}
	if c.Retry.MaxAttempts > 20 {
		return fmt.Errorf("retry: max_attempts %d is unreasonably high", c.Retry.MaxAttempts)
	}
	return nil
}
