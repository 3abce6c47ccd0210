package agent

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/codeperch/perch/gateway"
	"github.com/codeperch/perch/tools"
)

// CompactionConfig controls when history is summarized.
type CompactionConfig struct {
	MaxTurns   int `yaml:"max_turns" validate:"gte=0"`
	MaxChars   int `yaml:"max_chars" validate:"gte=0"`
	KeepRecent int `yaml:"keep_recent" validate:"gte=1"`
}

// RetryConfig controls transient-failure retry for model calls.
type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries" validate:"gte=0"`
	BaseDelayMs int `yaml:"base_delay_ms" validate:"gte=0"`
	MaxDelayMs  int `yaml:"max_delay_ms" validate:"gte=0"`
}

// Config holds session configuration. Zero values fall back to the
// defaults from DefaultConfig at validation time.
type Config struct {
	Model    string `yaml:"model" validate:"required"`
	Provider string `yaml:"provider,omitempty"`

	// MaxIterations bounds model round-trips per user input.
	MaxIterations int `yaml:"max_iterations" validate:"gte=1"`

	// Streaming selects the streaming transport when the provider
	// supports it.
	Streaming bool `yaml:"streaming"`

	// AutoApprove lifts the approval gate per tool name. Dangerous tools
	// ignore it.
	AutoApprove map[string]bool `yaml:"auto_approve,omitempty"`

	// AutoApproveTerminal lifts the gate for terminal-classified tools.
	AutoApproveTerminal bool `yaml:"auto_approve_terminal"`

	EnableLoopDetection bool `yaml:"enable_loop_detection"`

	// UserInstructions are appended last to the system prompt.
	UserInstructions string `yaml:"user_instructions,omitempty"`

	ToolOutputLimits map[string]int `yaml:"tool_output_limits,omitempty"`
	ToolLineLimits   map[string]int `yaml:"tool_line_limits,omitempty"`

	Compaction CompactionConfig `yaml:"compaction"`
	Retry      RetryConfig      `yaml:"retry"`

	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Model:               "claude-sonnet-4-5",
		MaxIterations:       50,
		Streaming:           true,
		EnableLoopDetection: true,
		Compaction: CompactionConfig{
			MaxTurns:   80,
			MaxChars:   400000,
			KeepRecent: 10,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file over the defaults and validates
// the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural constraints and that the model is known.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if gateway.LookupModel(c.Model) == nil && c.Provider == "" {
		return fmt.Errorf("config: unknown model %q and no provider set", c.Model)
	}
	return nil
}

// SlogLevel converts the configured level name to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExecutorConfig converts the tool-policy fields into the executor's
// configuration shape.
func (c Config) ExecutorConfig() tools.ExecutorConfig {
	return tools.ExecutorConfig{
		AutoApprove:         c.AutoApprove,
		AutoApproveTerminal: c.AutoApproveTerminal,
		CharLimits:          c.ToolOutputLimits,
		LineLimits:          c.ToolLineLimits,
	}
}

// RetryPolicy converts the retry section into a gateway policy.
func (c Config) RetryPolicy() gateway.RetryPolicy {
	policy := gateway.DefaultRetryPolicy()
	policy.MaxRetries = c.Retry.MaxRetries
	if c.Retry.BaseDelayMs > 0 {
		policy.BaseDelay = float64(c.Retry.BaseDelayMs) / 1000.0
	}
	if c.Retry.MaxDelayMs > 0 {
		policy.MaxDelay = float64(c.Retry.MaxDelayMs) / 1000.0
	}
	return policy
}
