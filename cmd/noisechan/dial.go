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
	"bufio"
	"fmt"
	"os"

	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/noiseline/noiseline/config"
	"github.com/noiseline/noiseline/internal/logger"
	"github.com/noiseline/noiseline/noise"
	"github.com/noiseline/noiseline/transport"
	"github.com/noiseline/noiseline/vault"
)

var (
	dialConfigDir string
	dialEnv       string
	dialLabel     string
	dialAddr      string
)

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Open a Noise XX channel to a listener and send stdin lines",
	RunE:  runDial,
}

func init() {
	rootCmd.AddCommand(dialCmd)

	dialCmd.Flags().StringVar(&dialConfigDir, "config-dir", "config", "configuration directory")
	dialCmd.Flags().StringVar(&dialEnv, "env", "development", "environment name (selects <env>.yaml)")
	dialCmd.Flags().StringVar(&dialLabel, "label", "noisechan", "label of the static key to load or generate")
	dialCmd.Flags().StringVar(&dialAddr, "addr", "", "websocket URL to dial (overrides transport.dial_addr)")
}

func runDial(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigDir: dialConfigDir, Environment: dialEnv})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr := dialAddr
	if addr == "" {
		addr = cfg.Transport.DialAddr
	}
	if addr == "" {
		return fmt.Errorf("no dial address: pass --addr or set transport.dial_addr")
	}

	log := logger.GetDefaultLogger()

	v, err := openVault(cfg.Vault)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	static, err := staticKey(v, dialLabel)
	if err != nil {
		return fmt.Errorf("load static key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	stream := newWSStream(conn)
	ch, err := runInitiatorHandshake(v, static, stream)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer ch.Close()

	log.Info("channel established, type a line and press enter to send it")

	go func() {
		for {
			reply, err := ch.Recv()
			if err != nil {
				log.Info("channel closed by peer", logger.Error(err))
				os.Exit(0)
			}
			fmt.Printf("< %s\n", reply)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := ch.Send(scanner.Bytes()); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	return scanner.Err()
}

func runInitiatorHandshake(v vault.Vault, static vault.Handle, stream *wsStream) (*transport.Transport, error) {
	hs, err := noise.NewInitiator(v, static, nil)
	if err != nil {
		return nil, err
	}

	msg1, err := hs.EncodeMessage1(nil)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(msg1); err != nil {
		return nil, err
	}

	msg2 := make([]byte, 4096)
	n, err := stream.Read(msg2)
	if err != nil {
		return nil, err
	}
	if _, err := hs.DecodeMessage2(msg2[:n]); err != nil {
		return nil, err
	}

	msg3, err := hs.EncodeMessage3(nil)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(msg3); err != nil {
		return nil, err
	}

	completed, err := hs.Finalize()
	if err != nil {
		return nil, err
	}

	log := logger.GetDefaultLogger()
	log.Info("peer static key", logger.String("pub", base58.Encode(completed.RemoteStaticPublicKey[:])))

	return transport.New(v, stream, stream, completed), nil
}
