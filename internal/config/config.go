// Package config holds the runtime configuration and its TOML loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/substrate"
)

// Role represents the process role.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
	RoleSignal Role = "signal"
)

// Defaults.
const (
	DefaultTimeoutSeconds = 25
	DefaultUpdateRateMS   = 35
	DefaultMaxConnections = 16
	DefaultSignalListen   = "127.0.0.1:8787"
)

// DefaultSTUNServers are used for ICE candidate gathering. No TURN.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores every parameter gathered from the config file and CLI flags.
type Config struct {
	Role           Role
	LocalID        substrate.PeerID // this process's peer identifier
	Connect        string           // client: decimal identifier of the host
	SignalURL      string           // host/client: rendezvous WebSocket URL
	SignalListen   string           // signal: listen address
	TimeoutSeconds int
	UpdateRate     time.Duration
	Channels       protocol.ChannelTable
	MaxConnections int
	STUNServers    []string
	Debug          bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SignalListen:   DefaultSignalListen,
		TimeoutSeconds: DefaultTimeoutSeconds,
		UpdateRate:     DefaultUpdateRateMS * time.Millisecond,
		Channels:       protocol.DefaultChannels(),
		MaxConnections: DefaultMaxConnections,
		STUNServers:    append([]string(nil), DefaultSTUNServers...),
	}
}

// ConnectTimeout returns the handshake window, floored at one second.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(max(1, c.TimeoutSeconds)) * time.Second
}

// Validate checks the fields relevant to the configured role.
func (c Config) Validate() error {
	switch c.Role {
	case RoleHost, RoleClient, RoleSignal:
	case "":
		return fmt.Errorf("config missing role")
	default:
		return fmt.Errorf("invalid role %q: must be host, client or signal", c.Role)
	}

	if c.Role == RoleSignal {
		if strings.TrimSpace(c.SignalListen) == "" {
			return fmt.Errorf("signal role requires signal_listen")
		}
		return nil
	}

	if strings.TrimSpace(c.SignalURL) == "" {
		return fmt.Errorf("%s role requires signal_url", c.Role)
	}
	if c.LocalID == 0 {
		return fmt.Errorf("%s role requires a non-zero id", c.Role)
	}
	if c.Channels.Len() == 0 {
		return fmt.Errorf("no channel configured")
	}
	if !c.Channels.Mode(0).IsReliable() {
		return fmt.Errorf("channel 0 carries control messages and must be reliable, got %s", c.Channels.Mode(0))
	}
	if c.UpdateRate <= 0 {
		return fmt.Errorf("update rate must be positive")
	}
	if c.Role == RoleHost && c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1")
	}
	if c.Role == RoleClient {
		if _, err := substrate.ParsePeerID(c.Connect); err != nil {
			return fmt.Errorf("client role requires a decimal connect target: %w", err)
		}
	}
	return nil
}

// fileConfig is the config.toml key mapping.
type fileConfig struct {
	Role           string   `toml:"role"`
	ID             string   `toml:"id"`
	Connect        string   `toml:"connect"`
	SignalURL      string   `toml:"signal_url"`
	SignalListen   string   `toml:"signal_listen"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	UpdateRateMS   int      `toml:"update_rate_ms"`
	Channels       []string `toml:"channels"`
	MaxConnections int      `toml:"max_connections"`
	STUNServers    []string `toml:"stun_servers"`
	Debug          bool     `toml:"debug"`
}

// Load reads a TOML file and overlays the keys it defines onto Default().
// The result is not validated; callers apply flag overrides first.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("role") {
		cfg.Role = Role(strings.ToLower(strings.TrimSpace(raw.Role)))
	}
	if meta.IsDefined("id") {
		id, err := substrate.ParsePeerID(raw.ID)
		if err != nil {
			return Config{}, fmt.Errorf("config id: %w", err)
		}
		cfg.LocalID = id
	}
	if meta.IsDefined("connect") {
		cfg.Connect = strings.TrimSpace(raw.Connect)
	}
	if meta.IsDefined("signal_url") {
		cfg.SignalURL = strings.TrimSpace(raw.SignalURL)
	}
	if meta.IsDefined("signal_listen") {
		cfg.SignalListen = strings.TrimSpace(raw.SignalListen)
	}
	if meta.IsDefined("timeout_seconds") {
		cfg.TimeoutSeconds = raw.TimeoutSeconds
	}
	if meta.IsDefined("update_rate_ms") {
		cfg.UpdateRate = time.Duration(raw.UpdateRateMS) * time.Millisecond
	}
	if meta.IsDefined("channels") {
		table, err := protocol.ParseChannels(raw.Channels)
		if err != nil {
			return Config{}, fmt.Errorf("config channels: %w", err)
		}
		cfg.Channels = table
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("stun_servers") {
		cfg.STUNServers = raw.STUNServers
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	return cfg, nil
}
