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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/noiseline/noiseline/config"
	"github.com/noiseline/noiseline/vault"
)

// openVault builds the SoftwareVault described by cfg.Vault: its AEAD
// suite and, if configured, a persistent backing store for static
// identity keys.
func openVault(cfg *config.VaultConfig) (*vault.SoftwareVault, error) {
	var opts []vault.Option

	switch cfg.CipherSuite {
	case "", "aes-gcm":
		opts = append(opts, vault.WithCipherSuite(vault.AESGCM))
	case "chacha20-poly1305":
		opts = append(opts, vault.WithCipherSuite(vault.ChaCha20Poly1305))
	default:
		return nil, fmt.Errorf("unknown cipher suite %q", cfg.CipherSuite)
	}

	passphrase := ""
	if cfg.PassphraseEnv != "" {
		passphrase = os.Getenv(cfg.PassphraseEnv)
	}

	switch cfg.Backend {
	case "", "memory":
		// No persistent store: static keys live only for this process.
	case "file":
		store, err := vault.NewFileVault(cfg.Directory)
		if err != nil {
			return nil, fmt.Errorf("open file vault: %w", err)
		}
		opts = append(opts, vault.WithPersistentStore(store, passphrase))
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("vault.postgres configuration is required for the postgres backend")
		}
		store, err := vault.NewPostgresStore(context.Background(), vault.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres vault: %w", err)
		}
		opts = append(opts, vault.WithPersistentStore(store, passphrase))
	default:
		return nil, fmt.Errorf("unknown vault backend %q", cfg.Backend)
	}

	return vault.NewSoftwareVault(opts...), nil
}

// staticKey loads label from v's backing store, generating and
// persisting a fresh one if it doesn't exist yet. With no backing
// store configured, it always generates an ephemeral key.
func staticKey(v *vault.SoftwareVault, label string) (vault.Handle, error) {
	attrs := vault.Attributes{Type: vault.TypeX25519Private, Persistence: vault.Ephemeral}
	if label == "" {
		return v.SecretGenerate(attrs)
	}

	attrs.Persistence = vault.Persistent
	attrs.Label = label

	h, err := v.LoadPersistent(attrs)
	if err == nil {
		return h, nil
	}
	h, err = v.SecretGenerate(attrs)
	var verr *vault.Error
	if errors.As(err, &verr) && verr.Kind == vault.KindStateError {
		// No backing store configured.
		return v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private, Persistence: vault.Ephemeral})
	}
	return h, err
}
