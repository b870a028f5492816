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

	"github.com/spf13/cobra"

	"github.com/noiseline/noiseline/internal/metrics"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a summary of this process's handshake and crypto activity",
	Long: `status prints a one-shot summary of the in-memory counters of the
process it runs in. It does not see the counters of other noisechan
processes, such as a running listen, and reports nothing across process
restarts; for those metrics, scrape the Prometheus endpoint that listen
serves when metrics are enabled.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	snap := metrics.GetGlobalCollector().GetSnapshot()

	fmt.Printf("uptime:               %s\n", snap.Uptime.Round(1e6))
	fmt.Printf("handshakes initiated: %d\n", snap.HandshakesInitiated)
	fmt.Printf("handshakes completed: %d\n", snap.HandshakesCompleted)
	fmt.Printf("handshakes failed:    %d\n", snap.HandshakesFailed)
	fmt.Printf("handshake success:    %.1f%%\n", snap.GetHandshakeSuccessRate())
	fmt.Printf("avg handshake time:   %.0fus (p95 %dus)\n", snap.AvgHandshakeTime, snap.P95HandshakeTime)
	fmt.Printf("channels opened:      %d\n", snap.ChannelsOpened)
	fmt.Printf("channels closed:      %d\n", snap.ChannelsClosed)
	fmt.Printf("crypto operations:    %d\n", snap.CryptoOperations)
	fmt.Printf("crypto error rate:    %.2f%%\n", snap.GetCryptoErrorRate())
	fmt.Printf("avg crypto op time:   %.0fus (p95 %dus)\n", snap.AvgCryptoTime, snap.P95CryptoTime)
	return nil
}
