// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/tabletop/lib/version"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local play-testing against a local relay.
	Development Environment = "development"
	// Production is for public deployments.
	Production Environment = "production"
)

// Config is the configuration shared by the relay and peer binaries.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	ICE       ICEConfig       `yaml:"ice"`
	Relay     RelayConfig     `yaml:"relay"`
	Client    ClientConfig    `yaml:"client"`
	Transport TransportConfig `yaml:"transport"`
	Sync      SyncConfig      `yaml:"sync"`
	Assets    AssetsConfig    `yaml:"assets"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the fields an environment section may replace.
// Zero values leave the base value in place.
type Overrides struct {
	ICE    *ICEConfig    `yaml:"ice,omitempty"`
	Relay  *RelayConfig  `yaml:"relay,omitempty"`
	Log    *LogConfig    `yaml:"log,omitempty"`
	Server *ServerConfig `yaml:"server,omitempty"`
}

// ICEConfig configures ICE server discovery.
type ICEConfig struct {
	// DiscoveryURL returns the STUN/TURN server list as JSON. Fetched
	// once per Connect.
	DiscoveryURL string `yaml:"discovery_url"`
}

// RelayConfig configures the client side of the relay connection.
type RelayConfig struct {
	// URL is the relay websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// ReconnectDelay is the pause between redial attempts after the
	// relay connection drops.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// ClientConfig configures what this client announces to the relay.
type ClientConfig struct {
	// Version is the protocol version sent with join_game.
	Version string `yaml:"version"`
}

// TransportConfig configures peer links.
type TransportConfig struct {
	// ChunkThreshold is the largest encoded message sent as a single
	// data channel frame. Larger messages are chunked.
	ChunkThreshold int `yaml:"chunk_threshold"`
}

// SyncConfig configures networked state replication.
type SyncConfig struct {
	// Debounce is the quiet period after the last local mutation
	// before a replica broadcasts.
	Debounce time.Duration `yaml:"debounce"`
}

// AssetsConfig configures the local asset cache.
type AssetsConfig struct {
	// Dir is the root of the content-addressed asset store.
	Dir string `yaml:"dir"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// ServerConfig configures the relay server.
type ServerConfig struct {
	// ListenAddress is the host:port the relay serves websockets on.
	ListenAddress string `yaml:"listen_address"`

	// MinProtocol is the oldest client protocol version accepted.
	// Older clients receive force_update.
	MinProtocol string `yaml:"min_protocol"`

	// GameTTL bounds how long a game lives after creation. Zero means
	// games live until their last member leaves.
	GameTTL time.Duration `yaml:"game_ttl"`

	// ICEServers is the STUN/TURN list the relay publishes at
	// /iceservers. Empty means host candidates only.
	ICEServers []ICEServer `yaml:"ice_servers"`
}

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Environment: Development,
		ICE: ICEConfig{
			DiscoveryURL: "http://localhost:9000/iceservers",
		},
		Relay: RelayConfig{
			URL:            "ws://localhost:9000/relay",
			ReconnectDelay: 2 * time.Second,
		},
		Client: ClientConfig{
			Version: version.Protocol,
		},
		Transport: TransportConfig{
			ChunkThreshold: 16000,
		},
		Sync: SyncConfig{
			Debounce: 500 * time.Millisecond,
		},
		Assets: AssetsConfig{
			Dir: "${HOME}/.local/share/tabletop/assets",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			ListenAddress: "localhost:9000",
			MinProtocol:   version.Protocol,
		},
	}
}

// Load loads configuration from the file named by TABLETOP_CONFIG, or
// returns the defaults (with environment overrides) if it is unset.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("TABLETOP_CONFIG"))
}

// LoadFile loads configuration from path layered over Default. An
// empty path skips the file. Environment variables are applied after
// the file and its environment section.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	variables, err := env.ParseAs[environmentVariables]()
	if err != nil {
		return nil, fmt.Errorf("reading environment variables: %w", err)
	}
	if variables.Environment != "" {
		cfg.Environment = Environment(variables.Environment)
	}

	cfg.applyEnvironmentOverrides()
	variables.apply(cfg)

	cfg.expandVariables()
	return cfg, nil
}

// environmentVariables are the process environment overrides. They win
// over both the base file values and the environment section.
type environmentVariables struct {
	Environment   string `env:"TABLETOP_ENVIRONMENT"`
	ICEURL        string `env:"TABLETOP_ICE_URL"`
	RelayURL      string `env:"TABLETOP_RELAY_URL"`
	ClientVersion string `env:"TABLETOP_CLIENT_VERSION"`
	AssetDir      string `env:"TABLETOP_ASSET_DIR"`
	LogLevel      string `env:"TABLETOP_LOG_LEVEL"`
}

func (v environmentVariables) apply(c *Config) {
	if v.ICEURL != "" {
		c.ICE.DiscoveryURL = v.ICEURL
	}
	if v.RelayURL != "" {
		c.Relay.URL = v.RelayURL
	}
	if v.ClientVersion != "" {
		c.Client.Version = v.ClientVersion
	}
	if v.AssetDir != "" {
		c.Assets.Dir = v.AssetDir
	}
	if v.LogLevel != "" {
		c.Log.Level = v.LogLevel
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so the stripped document goes
		// through the same decoder and honors the same yaml tags.
		data = jsonc.ToJSON(data)
	}

	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.ICE != nil && overrides.ICE.DiscoveryURL != "" {
		c.ICE.DiscoveryURL = overrides.ICE.DiscoveryURL
	}
	if overrides.Relay != nil {
		if overrides.Relay.URL != "" {
			c.Relay.URL = overrides.Relay.URL
		}
		if overrides.Relay.ReconnectDelay != 0 {
			c.Relay.ReconnectDelay = overrides.Relay.ReconnectDelay
		}
	}
	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
	if overrides.Server != nil {
		if overrides.Server.ListenAddress != "" {
			c.Server.ListenAddress = overrides.Server.ListenAddress
		}
		if overrides.Server.MinProtocol != "" {
			c.Server.MinProtocol = overrides.Server.MinProtocol
		}
		if overrides.Server.GameTTL != 0 {
			c.Server.GameTTL = overrides.Server.GameTTL
		}
		if len(overrides.Server.ICEServers) > 0 {
			c.Server.ICEServers = overrides.Server.ICEServers
		}
	}
}

func (c *Config) expandVariables() {
	c.Assets.Dir = expandVars(c.Assets.Dir)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the process
// environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.ICE.DiscoveryURL == "" {
		errs = append(errs, errors.New("ice.discovery_url is required"))
	}
	if c.Relay.URL == "" {
		errs = append(errs, errors.New("relay.url is required"))
	}
	if c.Relay.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("relay.reconnect_delay must be positive"))
	}
	if c.Client.Version == "" {
		errs = append(errs, errors.New("client.version is required"))
	}
	if c.Transport.ChunkThreshold <= 0 {
		errs = append(errs, errors.New("transport.chunk_threshold must be positive"))
	}
	if c.Sync.Debounce <= 0 {
		errs = append(errs, errors.New("sync.debounce must be positive"))
	}
	if c.Assets.Dir == "" {
		errs = append(errs, errors.New("assets.dir is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for i, server := range c.Server.ICEServers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("server.ice_servers[%d] has no urls", i))
		}
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
