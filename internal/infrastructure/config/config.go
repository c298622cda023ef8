package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all engine configuration.
type Config struct {
	Engine    EngineConfig
	Privilege PrivilegeConfig
	Logging   LogConfig
}

// EngineConfig holds subprocess supervision configuration.
type EngineConfig struct {
	// PollInterval bounds how long any wait can go without checking the
	// cancellation token.
	PollInterval time.Duration `envconfig:"ENGINE_POLL_INTERVAL" default:"100ms"`
	// TerminationGrace is how long a process group gets between SIGTERM
	// and SIGKILL.
	TerminationGrace time.Duration `envconfig:"ENGINE_TERMINATION_GRACE" default:"2s"`
	// PromptTimeout caps how long an executor waits for a human answer.
	PromptTimeout time.Duration `envconfig:"ENGINE_PROMPT_TIMEOUT" default:"30s"`
	// PromptTick is the wake granularity while waiting on the bridge.
	PromptTick time.Duration `envconfig:"ENGINE_PROMPT_TICK" default:"100ms"`
	// LivenessWindow flags streamed installers that exit faster than this
	// as suspicious; their process tree is probed for survivors.
	LivenessWindow time.Duration `envconfig:"ENGINE_LIVENESS_WINDOW" default:"2s"`
	// ProgressRate caps progress callbacks per second delivered to the UI.
	ProgressRate float64 `envconfig:"ENGINE_PROGRESS_RATE" default:"20"`
}

// PrivilegeConfig holds elevation broker configuration.
type PrivilegeConfig struct {
	// RetryBudget is how many credential attempts are allowed before a
	// terminal authentication failure.
	RetryBudget int `envconfig:"PRIVILEGE_RETRY_BUDGET" default:"3"`
	// CredentialTimeout caps the wait for a credential from the UI.
	CredentialTimeout time.Duration `envconfig:"PRIVILEGE_CREDENTIAL_TIMEOUT" default:"30s"`
	// ValidationTimeout caps the elevated validation probe.
	ValidationTimeout time.Duration `envconfig:"PRIVILEGE_VALIDATION_TIMEOUT" default:"15s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// fileConfig mirrors Config with durations as strings ("2s", "100ms"),
// since TOML has no native duration type.
type fileConfig struct {
	Engine struct {
		PollInterval     string  `toml:"poll_interval"`
		TerminationGrace string  `toml:"termination_grace"`
		PromptTimeout    string  `toml:"prompt_timeout"`
		PromptTick       string  `toml:"prompt_tick"`
		LivenessWindow   string  `toml:"liveness_window"`
		ProgressRate     float64 `toml:"progress_rate"`
	} `toml:"engine"`
	Privilege struct {
		RetryBudget       int    `toml:"retry_budget"`
		CredentialTimeout string `toml:"credential_timeout"`
		ValidationTimeout string `toml:"validation_timeout"`
	} `toml:"privilege"`
	Logging struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
	} `toml:"logging"`
}

// LoadFile loads configuration from a TOML file. Values missing from the
// file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := Default()
	if err := applyFile(cfg, &fc); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) error {
	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.Engine.PollInterval, &cfg.Engine.PollInterval},
		{fc.Engine.TerminationGrace, &cfg.Engine.TerminationGrace},
		{fc.Engine.PromptTimeout, &cfg.Engine.PromptTimeout},
		{fc.Engine.PromptTick, &cfg.Engine.PromptTick},
		{fc.Engine.LivenessWindow, &cfg.Engine.LivenessWindow},
		{fc.Privilege.CredentialTimeout, &cfg.Privilege.CredentialTimeout},
		{fc.Privilege.ValidationTimeout, &cfg.Privilege.ValidationTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q in config file: %w", d.raw, err)
		}
		*d.dst = parsed
	}

	if fc.Engine.ProgressRate > 0 {
		cfg.Engine.ProgressRate = fc.Engine.ProgressRate
	}
	if fc.Privilege.RetryBudget > 0 {
		cfg.Privilege.RetryBudget = fc.Privilege.RetryBudget
	}
	if fc.Logging.Level != "" {
		cfg.Logging.Level = fc.Logging.Level
	}
	if fc.Logging.Development {
		cfg.Logging.Development = true
	}
	return nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			PollInterval:     100 * time.Millisecond,
			TerminationGrace: 2 * time.Second,
			PromptTimeout:    30 * time.Second,
			PromptTick:       100 * time.Millisecond,
			LivenessWindow:   2 * time.Second,
			ProgressRate:     20,
		},
		Privilege: PrivilegeConfig{
			RetryBudget:       3,
			CredentialTimeout: 30 * time.Second,
			ValidationTimeout: 15 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
