package config

// ExecutionConfig configures the process runner's environment allowlist and
// default bounds.
type ExecutionConfig struct {
	AllowedEnvVars   []string `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`
	DefaultTimeoutMs int64    `yaml:"default_timeout_ms" json:"default_timeout_ms,omitempty"`
}
