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
	"os"
	"regexp"
	"strings"
)

// envVarPattern matches ${VAR} or ${VAR:default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} or ${VAR:default} with environment
// variable values.
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		value := os.Getenv(varName)
		if value == "" {
			return defaultValue
		}
		return value
	})
}

// SubstituteEnvVarsInConfig recursively substitutes environment
// variables throughout cfg.
func SubstituteEnvVarsInConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Vault != nil {
		cfg.Vault.Backend = SubstituteEnvVars(cfg.Vault.Backend)
		cfg.Vault.CipherSuite = SubstituteEnvVars(cfg.Vault.CipherSuite)
		cfg.Vault.Directory = SubstituteEnvVars(cfg.Vault.Directory)
		cfg.Vault.PassphraseEnv = SubstituteEnvVars(cfg.Vault.PassphraseEnv)
		if cfg.Vault.Postgres != nil {
			cfg.Vault.Postgres.Host = SubstituteEnvVars(cfg.Vault.Postgres.Host)
			cfg.Vault.Postgres.User = SubstituteEnvVars(cfg.Vault.Postgres.User)
			cfg.Vault.Postgres.Password = SubstituteEnvVars(cfg.Vault.Postgres.Password)
			cfg.Vault.Postgres.Database = SubstituteEnvVars(cfg.Vault.Postgres.Database)
		}
	}

	if cfg.Transport != nil {
		cfg.Transport.ListenAddr = SubstituteEnvVars(cfg.Transport.ListenAddr)
		cfg.Transport.DialAddr = SubstituteEnvVars(cfg.Transport.DialAddr)
		cfg.Transport.StaticKeyLabel = SubstituteEnvVars(cfg.Transport.StaticKeyLabel)
	}

	if cfg.Logging != nil {
		cfg.Logging.Level = SubstituteEnvVars(cfg.Logging.Level)
		cfg.Logging.Format = SubstituteEnvVars(cfg.Logging.Format)
		cfg.Logging.Output = SubstituteEnvVars(cfg.Logging.Output)
		cfg.Logging.FilePath = SubstituteEnvVars(cfg.Logging.FilePath)
	}

	if cfg.Health != nil {
		cfg.Health.Path = SubstituteEnvVars(cfg.Health.Path)
	}

	if cfg.Metrics != nil {
		cfg.Metrics.Path = SubstituteEnvVars(cfg.Metrics.Path)
	}
}

// GetEnvironment returns the current environment from NOISELINE_ENV,
// falling back to ENVIRONMENT, defaulting to development.
func GetEnvironment() string {
	env := os.Getenv("NOISELINE_ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}

// IsProduction returns true if running in the production environment.
func IsProduction() bool {
	return GetEnvironment() == "production"
}

// IsDevelopment returns true if running in development or local.
func IsDevelopment() bool {
	env := GetEnvironment()
	return env == "development" || env == "local"
}
