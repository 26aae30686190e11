// Package config loads the optional YAML configuration file. Command-line
// flags override anything set here.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServeConfig holds serve-subcommand settings.
type ServeConfig struct {
	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Config is the top-level configuration file structure.
type Config struct {
	Bus      string      `yaml:"bus"`
	PagePath string      `yaml:"page_path"`
	Serve    ServeConfig `yaml:"serve"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "sysgenid", "config.yaml")
}

// DefaultPagePath returns the default counter page location: under
// XDG_RUNTIME_DIR when set, otherwise the system runtime state directory.
func DefaultPagePath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = "/run"
	}
	return filepath.Join(runtimeDir, "sysgenid", "generation")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
