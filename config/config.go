// Copyright (C) 2025 noiseline
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the YAML configuration for a noiseline process:
// which vault backend to use, which AEAD suite to speak, where to
// listen or dial, and how to log and expose metrics.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Environment string           `yaml:"environment" json:"environment"`
	Vault       *VaultConfig     `yaml:"vault" json:"vault"`
	Transport   *TransportConfig `yaml:"transport" json:"transport"`
	Handshake   *HandshakeConfig `yaml:"handshake" json:"handshake"`
	Logging     *LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig    `yaml:"health" json:"health"`
}

// VaultConfig selects and configures the software vault's key custody
// backend and AEAD suite.
type VaultConfig struct {
	// CipherSuite is "aes-gcm" (default) or "chacha20-poly1305".
	CipherSuite string `yaml:"cipher_suite" json:"cipher_suite"`

	// Backend is "memory", "file", or "postgres".
	Backend       string `yaml:"backend" json:"backend"`
	Directory     string `yaml:"directory" json:"directory"`
	PassphraseEnv string `yaml:"passphrase_env" json:"passphrase_env"`

	Postgres *PostgresVaultConfig `yaml:"postgres" json:"postgres"`
}

// PostgresVaultConfig configures a shared Postgres-backed vault store.
type PostgresVaultConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// TransportConfig configures the listen/dial surface and per-channel
// limits.
type TransportConfig struct {
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr"`
	DialAddr       string        `yaml:"dial_addr" json:"dial_addr"`
	StaticKeyLabel string        `yaml:"static_key_label" json:"static_key_label"`
	MaxConcurrent  int64         `yaml:"max_concurrent" json:"max_concurrent"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// HandshakeConfig holds handshake timeout and retry settings. The
// noisechan commands do not read it: they apply no handshake timeout
// and do not retry a failed handshake.
type HandshakeConfig struct {
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration.
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}

// LoadFromFile loads configuration from a YAML (or, as a fallback,
// JSON) file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile saves configuration to a file, choosing JSON or YAML by
// the file extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Vault != nil {
		if cfg.Vault.CipherSuite == "" {
			cfg.Vault.CipherSuite = "aes-gcm"
		}
		if cfg.Vault.Backend == "" {
			cfg.Vault.Backend = "memory"
		}
		if cfg.Vault.Directory == "" {
			cfg.Vault.Directory = ".noiseline/keys"
		}
	}

	if cfg.Transport != nil {
		if cfg.Transport.MaxConcurrent == 0 {
			cfg.Transport.MaxConcurrent = 64
		}
		if cfg.Transport.IdleTimeout == 0 {
			cfg.Transport.IdleTimeout = 5 * time.Minute
		}
	}

	if cfg.Handshake != nil {
		if cfg.Handshake.Timeout == 0 {
			cfg.Handshake.Timeout = 30 * time.Second
		}
		if cfg.Handshake.MaxRetries == 0 {
			cfg.Handshake.MaxRetries = 3
		}
		if cfg.Handshake.RetryBackoff == 0 {
			cfg.Handshake.RetryBackoff = 1 * time.Second
		}
	}

	if cfg.Logging != nil {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "info"
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = "json"
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = "stdout"
		}
	}
}
