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

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// LoaderOptions configures the configuration loader.
type LoaderOptions struct {
	// ConfigDir is the directory containing config files (default: ./config).
	ConfigDir string
	// Environment overrides automatic environment detection.
	Environment string
	// SkipEnvSubstitution disables environment variable substitution.
	SkipEnvSubstitution bool
	// SkipValidation disables configuration validation.
	SkipValidation bool
}

// DefaultLoaderOptions returns default loader options.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		ConfigDir:           "config",
		Environment:         "",
		SkipEnvSubstitution: false,
		SkipValidation:      false,
	}
}

// Load loads configuration with automatic environment detection.
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	env := options.Environment
	if env == "" {
		env = GetEnvironment()
	}

	envConfigPath := filepath.Join(options.ConfigDir, fmt.Sprintf("%s.yaml", env))
	cfg, err := loadConfigFile(envConfigPath)
	if err != nil {
		defaultConfigPath := filepath.Join(options.ConfigDir, "default.yaml")
		cfg, err = loadConfigFile(defaultConfigPath)
		if err != nil {
			configPath := filepath.Join(options.ConfigDir, "config.yaml")
			cfg, err = loadConfigFile(configPath)
			if err != nil {
				cfg = &Config{}
			}
		}
	}

	if cfg.Environment == "" {
		cfg.Environment = env
	}

	setDefaults(cfg)

	if !options.SkipEnvSubstitution {
		SubstituteEnvVarsInConfig(cfg)
	}

	applyEnvironmentOverrides(cfg)

	if !options.SkipValidation {
		if errs := Validate(cfg); len(errs) > 0 {
			return nil, fmt.Errorf("configuration validation failed: %s", errs[0])
		}
	}

	return cfg, nil
}

func loadConfigFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	return LoadFromFile(path)
}

// applyEnvironmentOverrides overrides config fields with environment
// variables, highest priority after file and default-value resolution.
func applyEnvironmentOverrides(cfg *Config) {
	if backend := os.Getenv("NOISELINE_VAULT_BACKEND"); backend != "" && cfg.Vault != nil {
		cfg.Vault.Backend = backend
	}
	if suite := os.Getenv("NOISELINE_CIPHER_SUITE"); suite != "" && cfg.Vault != nil {
		cfg.Vault.CipherSuite = suite
	}

	if listen := os.Getenv("NOISELINE_LISTEN_ADDR"); listen != "" && cfg.Transport != nil {
		cfg.Transport.ListenAddr = listen
	}
	if dial := os.Getenv("NOISELINE_DIAL_ADDR"); dial != "" && cfg.Transport != nil {
		cfg.Transport.DialAddr = dial
	}

	if logLevel := os.Getenv("NOISELINE_LOG_LEVEL"); logLevel != "" && cfg.Logging != nil {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("NOISELINE_LOG_FORMAT"); logFormat != "" && cfg.Logging != nil {
		cfg.Logging.Format = logFormat
	}

	if os.Getenv("NOISELINE_METRICS_ENABLED") == "true" && cfg.Metrics != nil {
		cfg.Metrics.Enabled = true
	}
	if os.Getenv("NOISELINE_METRICS_ENABLED") == "false" && cfg.Metrics != nil {
		cfg.Metrics.Enabled = false
	}
}

// Validate checks cfg for internally inconsistent or unusable values
// and returns every problem found, so a caller can report them all at
// once instead of failing on the first.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Vault != nil {
		switch cfg.Vault.CipherSuite {
		case "aes-gcm", "chacha20-poly1305":
		default:
			errs = append(errs, fmt.Errorf("vault.cipher_suite: unknown suite %q", cfg.Vault.CipherSuite))
		}
		switch cfg.Vault.Backend {
		case "memory", "file", "postgres":
		default:
			errs = append(errs, fmt.Errorf("vault.backend: unknown backend %q", cfg.Vault.Backend))
		}
		if cfg.Vault.Backend == "file" && cfg.Vault.Directory == "" {
			errs = append(errs, fmt.Errorf("vault.directory: required when backend is \"file\""))
		}
		if cfg.Vault.Backend == "postgres" && cfg.Vault.Postgres == nil {
			errs = append(errs, fmt.Errorf("vault.postgres: required when backend is \"postgres\""))
		}
	}

	if cfg.Transport != nil {
		if cfg.Transport.MaxConcurrent < 0 {
			errs = append(errs, fmt.Errorf("transport.max_concurrent: must not be negative"))
		}
		if cfg.Transport.ListenAddr == "" && cfg.Transport.DialAddr == "" {
			errs = append(errs, fmt.Errorf("transport: one of listen_addr or dial_addr is required"))
		}
	}

	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
		}
	}

	return errs
}

// LoadForEnvironment loads configuration for a specific environment.
func LoadForEnvironment(environment string) (*Config, error) {
	return Load(LoaderOptions{
		ConfigDir:   "config",
		Environment: environment,
	})
}

// MustLoad loads configuration or panics on error.
func MustLoad(opts ...LoaderOptions) *Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
