// Copyright 2025 Storyvault Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads per-vault configuration from
// <root>/.storyvault/config.yaml.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storyvault/internal/artifacts"
	"storyvault/internal/common"
)

// DerivedIndexConfig configures the optional external search index.
type DerivedIndexConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`   // default: "localhost:8080"
	Scheme  string `yaml:"scheme"` // default: "http"
}

// VaultConfig represents per-vault configuration from
// {root}/.storyvault/config.yaml.
type VaultConfig struct {
	Logging           string             `yaml:"logging"`             // off, error, warn, info, debug, trace
	CacheSize         int                `yaml:"cache_size"`          // change cache capacity, 0 = default
	Listen            string             `yaml:"listen"`              // HTTP listen address
	ServerBusyTimeout int                `yaml:"server_busy_timeout"` // SQLite busy_timeout for serve (ms), 0 = default
	CLIBusyTimeout    int                `yaml:"cli_busy_timeout"`    // SQLite busy_timeout for CLI (ms), 0 = default
	TempGrace         string             `yaml:"temp_grace"`          // orphan temp cleanup grace, Go duration
	DerivedIndex      DerivedIndexConfig `yaml:"derived_index"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *VaultConfig) ApplyDefaults() {
	if cfg.Logging == "" {
		cfg.Logging = "warn"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8673"
	}
	if cfg.TempGrace == "" {
		cfg.TempGrace = "10m"
	}
	if cfg.DerivedIndex.Host == "" {
		cfg.DerivedIndex.Host = "localhost:8080"
	}
	if cfg.DerivedIndex.Scheme == "" {
		cfg.DerivedIndex.Scheme = "http"
	}
}

// LogLevel returns the normalized (lowercase) logging level.
func (cfg *VaultConfig) LogLevel() string {
	return strings.ToLower(cfg.Logging)
}

// LoggingEnabled returns whether logging is enabled (any level other than
// "off" or empty).
func (cfg *VaultConfig) LoggingEnabled() bool {
	level := cfg.LogLevel()
	return level != "" && level != "off" && level != "none"
}

// TempGraceDuration parses the temp cleanup grace window, falling back to
// ten minutes on a malformed value.
func (cfg *VaultConfig) TempGraceDuration() time.Duration {
	d, err := time.ParseDuration(cfg.TempGrace)
	if err != nil || d < 0 {
		return 10 * time.Minute
	}
	return d
}

// Load reads the vault config from {root}/.storyvault/config.yaml.
// A missing file yields the defaults, not an error.
func Load(root string) (*VaultConfig, error) {
	return LoadFromPath(common.ConfigPath(root))
}

// LoadFromPath reads a vault config from a specific file path.
func LoadFromPath(path string) (*VaultConfig, error) {
	var cfg VaultConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// WriteDefault writes the embedded config template to
// {root}/.storyvault/config.yaml unless one already exists.
func WriteDefault(root string) error {
	path := common.ConfigPath(root)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, artifacts.VaultConfig, 0o644)
}
