// Package config loads the ambient .envbridge.yaml configuration file: the
// three recognized options from the configuration port plus the execution
// and logging sections the rest of this module consults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the full on-disk configuration and implements
// ports.ConfigPort.
type Config struct {
	Interpreter    string `yaml:"interpreter_path"`
	Debug          bool   `yaml:"debug_logging"`
	PauseTimeoutMs int    `yaml:"background_pause_timeout_ms"`

	Execution ExecutionConfig `yaml:"execution"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		PauseTimeoutMs: 5000,
		Execution: ExecutionConfig{
			AllowedEnvVars:   []string{"PATH", "HOME", "USERPROFILE", "TEMP", "TMP", "SystemRoot"},
			DefaultTimeoutMs: 30000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path, falling back to DefaultConfig if it does not exist.
// A present-but-unparseable file is a hard error; a missing file is not.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path, creating its directory if needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies ENVBRIDGE_* environment variables, most specific
// wins, the same ordered-if-chain shape used throughout this module.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ENVBRIDGE_INTERPRETER"); v != "" {
		c.Interpreter = v
	}
	if v := os.Getenv("ENVBRIDGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	if v := os.Getenv("ENVBRIDGE_PAUSE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PauseTimeoutMs = n
		}
	}
	if v := os.Getenv("ENVBRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// InterpreterPath implements ports.ConfigPort. Consulted only by tier 3 of
// the resolver; never overrides metadata.
func (c *Config) InterpreterPath() string { return c.Interpreter }

// DebugLogging implements ports.ConfigPort.
func (c *Config) DebugLogging() bool { return c.Debug }

// BackgroundPauseTimeoutMs implements ports.ConfigPort.
func (c *Config) BackgroundPauseTimeoutMs() int { return c.PauseTimeoutMs }

// AllowedEnvVars implements ports.ConfigPort.
func (c *Config) AllowedEnvVars() []string { return c.Execution.AllowedEnvVars }
