package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory argument is
// resolved to the config.yaml inside it. If a .checksums manifest sits next to
// the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := VerifyChecksum(absPath); err != nil && !errors.Is(err, ErrNoManifest) {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML over the defaults, expands ${VAR} references and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables
// are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Shell.Timeout < 0 {
		return fmt.Errorf("shell.timeout must not be negative")
	}
	if cfg.Shell.GracePeriod < 0 {
		return fmt.Errorf("shell.grace_period must not be negative")
	}
	if cfg.Shell.MaxStderrBytes <= 0 {
		return fmt.Errorf("shell.max_stderr_bytes must be positive")
	}
	for i, name := range cfg.Shell.Allow {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("shell.allow[%d] is empty", i)
		}
	}
	for k := range cfg.Shell.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("shell.env: invalid variable name %q", k)
		}
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	if cfg.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey); len(matches) > 1 {
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
		}
		if cfg.API.Auth.APIKey == "" {
			return fmt.Errorf("api.auth.api_key is required when api is enabled")
		}
		if len(cfg.Shell.Allow) == 0 {
			return fmt.Errorf("shell.allow must list the permitted commands when api is enabled")
		}
		if cfg.API.RateLimit < 0 || cfg.API.Burst < 0 || cfg.API.MaxConcurrent < 0 {
			return fmt.Errorf("api.rate_limit, api.burst and api.max_concurrent must not be negative")
		}
	}

	return nil
}
