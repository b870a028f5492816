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
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/noiseline/noiseline/config"
)

var (
	keygenConfigDir string
	keygenEnv       string
	keygenLabel     string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate and persist a static X25519 identity key",
	Long: `keygen generates a fresh static X25519 private key and stores it under
the configured vault backend, keyed by --label. Running it again for the
same label is a no-op: listen and dial load the existing key instead of
silently overwriting it.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVar(&keygenConfigDir, "config-dir", "config", "configuration directory")
	keygenCmd.Flags().StringVar(&keygenEnv, "env", "development", "environment name (selects <env>.yaml)")
	keygenCmd.Flags().StringVar(&keygenLabel, "label", "noisechan", "label the static key is stored under")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigDir: keygenConfigDir, Environment: keygenEnv})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	v, err := openVault(cfg.Vault)
	if err != nil {
		return err
	}

	h, err := staticKey(v, keygenLabel)
	if err != nil {
		return fmt.Errorf("generate static key: %w", err)
	}

	pub, err := v.SecretPublicKey(h)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}

	fmt.Printf("label:      %s\n", keygenLabel)
	fmt.Printf("public key: %s\n", base58.Encode(pub[:]))
	return nil
}
