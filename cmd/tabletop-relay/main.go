// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tabletop-relay is the signaling relay for tabletop sessions. It
// serves the websocket relay at /relay and the ICE discovery document
// at /iceservers on one listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tabletop/lib/config"
	"github.com/bureau-foundation/tabletop/lib/version"
	"github.com/bureau-foundation/tabletop/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		listenAddress string
		gameTTL       time.Duration
		showVersion   bool
	)
	flagSet := pflag.NewFlagSet("tabletop-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("TABLETOP_CONFIG"), "YAML or JSONC configuration file")
	flagSet.StringVar(&listenAddress, "listen", "", "host:port to serve on (overrides server.listen_address)")
	flagSet.DurationVar(&gameTTL, "game-ttl", 0, "expire games this long after creation (overrides server.game_ttl)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("tabletop-relay")
		return nil
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if listenAddress != "" {
		cfg.Server.ListenAddress = listenAddress
	}
	if gameTTL != 0 {
		cfg.Server.GameTTL = gameTTL
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(relay.HubConfig{
		MinProtocol: cfg.Server.MinProtocol,
		GameTTL:     cfg.Server.GameTTL,
		Logger:      logger,
	})
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/relay", hub)
	mux.Handle("/iceservers", relay.ICEServersHandler(iceServers(cfg.Server.ICEServers)))

	server := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.ListenAndServe()
	}()

	logger.Info("relay listening",
		"address", cfg.Server.ListenAddress,
		"min_protocol", cfg.Server.MinProtocol,
		"game_ttl", cfg.Server.GameTTL,
		"ice_servers", len(cfg.Server.ICEServers),
		"version", version.Info(),
	)

	select {
	case err := <-serveDone:
		return fmt.Errorf("serving %s: %w", cfg.Server.ListenAddress, err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// Hijacked websockets are not tracked by Shutdown; hub.Close ends them.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return nil
}

func iceServers(servers []config.ICEServer) []relay.ICEServer {
	converted := make([]relay.ICEServer, 0, len(servers))
	for _, server := range servers {
		converted = append(converted, relay.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return converted
}
