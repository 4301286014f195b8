// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tabletop-peer is a headless tabletop participant. It joins a game
// through the relay, replicates the shared map, and serves and fetches
// the assets the map references. Useful for play-testing a relay and
// as a seed peer that keeps a map's assets available.
//
// One peer per game runs with --host and owns the map; the others add
// their files and tokens once the host's map has arrived.
//
// Usage:
//
//	tabletop-peer --game dungeon --secret hunter2 --host \
//	    --share goblin.png --token goblin=3,4
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tabletop/assets"
	"github.com/bureau-foundation/tabletop/lib/config"
	"github.com/bureau-foundation/tabletop/lib/version"
	"github.com/bureau-foundation/tabletop/netstate"
	"github.com/bureau-foundation/tabletop/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	gameID     string
	secret     string
	mapID      string
	host       bool
	share      []string
	tokens     []string
}

func run() error {
	var opts options
	var showVersion bool

	flagSet := pflag.NewFlagSet("tabletop-peer", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", os.Getenv("TABLETOP_CONFIG"), "YAML or JSONC configuration file")
	flagSet.StringVar(&opts.gameID, "game", "", "game id to join (required)")
	flagSet.StringVar(&opts.secret, "secret", os.Getenv("TABLETOP_SECRET"), "game secret")
	flagSet.StringVar(&opts.mapID, "map", "map1", "id of the shared map")
	flagSet.BoolVar(&opts.host, "host", false, "own the shared map and push it to every joining player")
	flagSet.StringArrayVar(&opts.share, "share", nil, "file to add to the map's assets (repeatable)")
	flagSet.StringArrayVar(&opts.tokens, "token", nil, "token to place as name=x,y (repeatable)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("tabletop-peer")
		return nil
	}
	if opts.gameID == "" {
		return errors.New("--game is required")
	}

	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return err
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

	return runPeer(ctx, cfg, opts, logger)
}

func runPeer(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	store, err := assets.NewStore(cfg.Assets.Dir)
	if err != nil {
		return err
	}

	sess := session.New(session.Config{
		ICEDiscoveryURL: cfg.ICE.DiscoveryURL,
		RelayURL:        cfg.Relay.URL,
		ReconnectDelay:  cfg.Relay.ReconnectDelay,
		ClientVersion:   cfg.Client.Version,
		ChunkThreshold:  cfg.Transport.ChunkThreshold,
		Assets:          store,
		Logger:          logger,
	})
	defer sess.Close()

	replica := netstate.New(mapEvent, "id", newTableMap(opts.mapID), sess, netstate.Config{
		Debounce: cfg.Sync.Debounce,
		Logger:   logger,
	})
	defer replica.Close()
	hostMap := make(chan struct{})
	var hostMapOnce sync.Once
	replica.OnChange(func(table tableMap) {
		if table.Host != "" {
			hostMapOnce.Do(func() { close(hostMap) })
		}
		if err := sess.RequestAssets(table.manifest()); err != nil {
			logger.Warn("requesting map assets", "error", err)
		}
	})

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	if err := sess.JoinGame(opts.gameID, opts.secret); err != nil {
		return fmt.Errorf("joining %s: %w", opts.gameID, err)
	}

	roles := &contributor{host: opts.host}
	for {
		select {
		case <-ctx.Done():
			if err := replica.Flush(); err != nil {
				logger.Debug("final map flush", "error", err)
			}
			return nil
		case <-hostMap:
			hostMap = nil
			if roles.mapReceived() {
				if err := contribute(replica, store, sess.LocalID(), opts); err != nil {
					return err
				}
			}
		case event := <-sess.Events():
			switch event := event.(type) {
			case session.StatusChanged:
				fmt.Println(banner(event.Status, opts.gameID, sess.Participants(), replica.Value()))
				switch event.Status {
				case session.StatusJoined:
					if roles.joinedGame() {
						if err := contribute(replica, store, sess.LocalID(), opts); err != nil {
							return err
						}
					}
				case session.StatusAuth:
					return fmt.Errorf("relay rejected the secret for %s", opts.gameID)
				case session.StatusNeedsUpdate:
					return fmt.Errorf("relay requires a newer client than protocol %s", cfg.Client.Version)
				}
			case session.PlayerJoined:
				if roles.resyncOnJoin() {
					replica.ForceResync()
				}
				logger.Info("player joined", "peer", event.ParticipantID)
			case session.PlayerLeft:
				logger.Info("player left", "peer", event.ParticipantID)
			case session.GameExpired:
				return fmt.Errorf("game %s expired", event.GameID)
			case session.PeerError:
				logger.Warn("peer link failed", "peer", event.ParticipantID, "error", event.Err)
			case session.AssetReceived:
				logger.Info("asset received", "asset", event.AssetID.Short(), "peer", event.From)
			case session.AssetUnavailable:
				logger.Warn("asset unavailable", "asset", event.AssetID.Short(), "peer", event.Owner, "error", event.Err)
			}
		}
	}
}

// contribute adds this peer's shared files and tokens to the map.
func contribute(replica *netstate.Sync[tableMap], store *assets.Store, localID string, opts options) error {
	shared := make(map[string]string, len(opts.share))
	for _, path := range opts.share {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading shared file: %w", err)
		}
		id, err := store.Put(data, mime.TypeByExtension(filepath.Ext(path)))
		if err != nil {
			return fmt.Errorf("storing %s: %w", path, err)
		}
		shared[string(id)] = localID
	}

	placed := make(map[string]position, len(opts.tokens))
	for _, text := range opts.tokens {
		name, at, err := parseToken(text)
		if err != nil {
			return err
		}
		placed[name] = at
	}

	mode := netstate.SyncDiff
	if opts.host {
		mode = netstate.SyncFull
	} else if len(shared) == 0 && len(placed) == 0 {
		return nil
	}
	replica.Update(func(table *tableMap) {
		if opts.host {
			table.Host = localID
		}
		if table.Assets == nil {
			table.Assets = make(map[string]string)
		}
		if table.Tokens == nil {
			table.Tokens = make(map[string]position)
		}
		for id, owner := range shared {
			table.Assets[id] = owner
		}
		for name, at := range placed {
			table.Tokens[name] = at
		}
	}, mode)
	return nil
}
