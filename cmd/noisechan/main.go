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
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/noiseline/noiseline/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "noisechan",
	Short: "noisechan drives Noise XX secure channels over a websocket transport",
	Long: `noisechan is a reference CLI for the noiseline handshake and transport
library. It generates static identity keys, listens for incoming channels,
and dials out to a peer, all using the Noise_XX_25519_AESGCM_SHA256
handshake and the length-framed AEAD transport it produces.`,
	Version: version.Short(),
}

func main() {
	_ = godotenv.Load()

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "noisechan: %v\n", err)
		os.Exit(1)
	}
}
