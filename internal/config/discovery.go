package config

import (
	"errors"
	"os"
	"path/filepath"
)

// EnvConfig names the environment variable that overrides discovery.
const EnvConfig = "SHELLCALL_CONFIG"

// ErrNotFound is returned by Discover when no config file exists.
var ErrNotFound = errors.New("no config file found")

// SearchPaths returns the locations Discover checks, in order.
func SearchPaths() []string {
	var paths []string
	if p := os.Getenv(EnvConfig); p != "" {
		paths = append(paths, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "shellcall", "config.yaml"))
	}
	paths = append(paths, "/etc/shellcall/config.yaml", "config.yaml")
	return paths
}

// Discover returns the first existing config file from SearchPaths. An
// explicit $SHELLCALL_CONFIG that does not exist is returned as-is so Load
// reports it rather than silently falling back.
func Discover() (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		return p, nil
	}
	for _, p := range SearchPaths() {
		if fileExists(p) {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// LoadOrDefault loads path, or the discovered config when path is empty.
// With nothing to discover it returns Defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		found, err := Discover()
		if errors.Is(err, ErrNotFound) {
			return Defaults(), nil
		}
		if err != nil {
			return nil, err
		}
		path = found
	}
	return Load(path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
