package config

import "time"

// Config represents the complete shellcall configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Shell   ShellConfig   `yaml:"shell"`
	History HistoryConfig `yaml:"history"`
	API     APIConfig     `yaml:"api,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	// Empty when running on defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// ShellConfig defines how commands are launched.
type ShellConfig struct {
	// Async selects the asynchronous dispatcher for the serve and gather paths.
	Async          bool              `yaml:"async"`
	Timeout        time.Duration     `yaml:"timeout"`
	GracePeriod    time.Duration     `yaml:"grace_period"`
	MaxStderrBytes int               `yaml:"max_stderr_bytes"`
	Dir            string            `yaml:"dir,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	// Allow is the command allow-list. Unset means no restriction for local
	// CLI use; the API refuses to start without it.
	Allow []string `yaml:"allow,omitempty"`
}

// HistoryConfig defines the invocation audit log.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Listen        string        `yaml:"listen"`
	Auth          APIAuthConfig `yaml:"auth"`
	RateLimit     float64       `yaml:"rate_limit"` // requests per second
	Burst         int           `yaml:"burst"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "shellcall",
			LogLevel: "info",
		},
		Shell: ShellConfig{
			Async:          false,
			Timeout:        5 * time.Minute,
			GracePeriod:    5 * time.Second,
			MaxStderrBytes: 64 * 1024,
		},
		History: HistoryConfig{
			Enabled:   false,
			Path:      "./data/history.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled:       false,
			Listen:        "127.0.0.1:8080",
			RateLimit:     5,
			Burst:         10,
			MaxConcurrent: 10,
		},
	}
}
