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
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/noiseline/noiseline/config"
	"github.com/noiseline/noiseline/internal/logger"
	"github.com/noiseline/noiseline/internal/metrics"
	"github.com/noiseline/noiseline/noise"
	"github.com/noiseline/noiseline/transport"
	"github.com/noiseline/noiseline/vault"
)

var (
	listenConfigDir string
	listenEnv       string
	listenLabel     string
	listenAddr      string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept Noise XX channels over websocket and echo decrypted frames",
	RunE:  runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().StringVar(&listenConfigDir, "config-dir", "config", "configuration directory")
	listenCmd.Flags().StringVar(&listenEnv, "env", "development", "environment name (selects <env>.yaml)")
	listenCmd.Flags().StringVar(&listenLabel, "label", "noisechan", "label of the static key to load or generate")
	listenCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address (overrides transport.listen_addr)")
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigDir: listenConfigDir, Environment: listenEnv})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr := listenAddr
	if addr == "" {
		addr = cfg.Transport.ListenAddr
	}
	if addr == "" {
		return fmt.Errorf("no listen address: pass --addr or set transport.listen_addr")
	}

	log := logger.GetDefaultLogger()
	registry := transport.NewRegistry(cfg.Transport.IdleTimeout)
	defer registry.Shutdown()

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			log.Info("serving metrics", logger.String("addr", metricsAddr))
			if err := metrics.StartServer(metricsAddr); err != nil {
				log.Error("metrics server stopped", logger.Error(err))
			}
		}()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/channel", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", logger.Error(err))
			return
		}
		go acceptChannel(cfg, registry, conn)
	})

	log.Info("listening for noise channels", logger.String("addr", addr), logger.String("path", "/channel"))
	return http.ListenAndServe(addr, mux)
}

func acceptChannel(cfg *config.Config, registry *transport.Registry, conn *websocket.Conn) {
	defer conn.Close()
	log := logger.GetDefaultLogger()

	v, err := openVault(cfg.Vault)
	if err != nil {
		log.Error("open vault", logger.Error(err))
		return
	}
	static, err := staticKey(v, listenLabel)
	if err != nil {
		log.Error("load static key", logger.Error(err))
		return
	}

	stream := newWSStream(conn)
	ch, err := runResponderHandshake(v, static, stream)
	if err != nil {
		log.Error("handshake failed", logger.Error(err))
		return
	}

	id := registry.Register(ch)
	log.Info("channel established", logger.String("id", id.String()))

	for {
		plaintext, err := ch.Recv()
		if err != nil {
			log.Info("channel closed", logger.String("id", id.String()), logger.Error(err))
			_ = registry.Close(id)
			return
		}
		log.Info("received message", logger.String("id", id.String()), logger.Int("bytes", len(plaintext)))
		if err := ch.Send(plaintext); err != nil {
			log.Warn("echo failed", logger.String("id", id.String()), logger.Error(err))
			_ = registry.Close(id)
			return
		}
	}
}

func runResponderHandshake(v vault.Vault, static vault.Handle, stream *wsStream) (*transport.Transport, error) {
	hs, err := noise.NewResponder(v, static, nil)
	if err != nil {
		return nil, err
	}

	msg1 := make([]byte, 4096)
	n, err := stream.Read(msg1)
	if err != nil {
		return nil, err
	}
	if _, err := hs.DecodeMessage1(msg1[:n]); err != nil {
		return nil, err
	}

	msg2, err := hs.EncodeMessage2(nil)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(msg2); err != nil {
		return nil, err
	}

	msg3 := make([]byte, 4096)
	n, err = stream.Read(msg3)
	if err != nil {
		return nil, err
	}
	if _, err := hs.DecodeMessage3(msg3[:n]); err != nil {
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
