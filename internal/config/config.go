// Package config resolves livewire settings. Priority, highest first:
// command-line flags (applied by the caller), LIVEWIRE_* environment
// variables, the YAML file, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leonletto/livewire/internal/client"
	"github.com/leonletto/livewire/internal/connection"
	"github.com/leonletto/livewire/internal/protocol"
	"github.com/leonletto/livewire/internal/statesync"
	ws "github.com/leonletto/livewire/internal/websocket"
)

// Config is the resolved configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Sync       SyncConfig       `yaml:"sync"`
	Log        LogConfig        `yaml:"log"`
	DevPeer    DevPeerConfig    `yaml:"devpeer"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	URL           string `yaml:"url"`            // websocket endpoint (ws:// or wss://)
	CredentialURL string `yaml:"credential_url"` // token endpoint (http:// or https://)
}

// ConnectionConfig tunes the client connection.
type ConnectionConfig struct {
	ClientID          string        `yaml:"client_id"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxExponent       int           `yaml:"max_exponent"`
	Jitter            time.Duration `yaml:"jitter"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	MaxPayloadBytes   int           `yaml:"max_payload_bytes"`
	CorrelationPrefix string        `yaml:"correlation_prefix"`
}

// SyncConfig configures the state-sync coordinator and its mirror.
type SyncConfig struct {
	RequestEvent     string        `yaml:"request_event"`
	PushEvent        string        `yaml:"push_event"`
	Scope            string        `yaml:"scope"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MirrorPath       string        `yaml:"mirror_path"` // empty keeps the mirror in memory
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DevPeerConfig configures the local development peer.
type DevPeerConfig struct {
	Addr      string        `yaml:"addr"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	RuntimeID string        `yaml:"runtime_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			BaseDelay:        connection.DefaultBaseDelay,
			MaxDelay:         connection.DefaultMaxDelay,
			MaxExponent:      connection.DefaultMaxExponent,
			Jitter:           connection.DefaultMaxJitter,
			HandshakeTimeout: client.DefaultHandshakeTimeout,
			MaxPayloadBytes:  protocol.MaxPayloadBytes,
		},
		Sync: SyncConfig{
			RequestEvent:     statesync.DefaultRequestEvent,
			PushEvent:        statesync.DefaultPushEvent,
			Scope:            statesync.DefaultScope,
			HandshakeTimeout: statesync.DefaultHandshakeTimeout,
		},
		Log: LogConfig{Level: "info"},
		DevPeer: DevPeerConfig{
			Addr:     "127.0.0.1:8765",
			TokenTTL: ws.DefaultTokenTTL,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file, or an empty path, yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304 - path chosen by the operator
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks endpoints and timing values.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server url not specified: set server.url, LIVEWIRE_SERVER_URL or --server")
	}
	if err := checkURL("server url", c.Server.URL, "ws", "wss"); err != nil {
		return err
	}
	if c.Server.CredentialURL == "" {
		return errors.New("credential url not specified: set server.credential_url, LIVEWIRE_CREDENTIAL_URL or --credentials")
	}
	if err := checkURL("credential url", c.Server.CredentialURL, "http", "https"); err != nil {
		return err
	}

	conn := c.Connection
	if conn.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %v", conn.BaseDelay)
	}
	if conn.MaxDelay < conn.BaseDelay {
		return fmt.Errorf("max_delay %v must not be below base_delay %v", conn.MaxDelay, conn.BaseDelay)
	}
	if conn.MaxExponent < 0 {
		return fmt.Errorf("max_exponent must not be negative, got %d", conn.MaxExponent)
	}
	if conn.Jitter < 0 {
		return fmt.Errorf("jitter must not be negative, got %v", conn.Jitter)
	}
	if conn.HandshakeTimeout <= 0 {
		return fmt.Errorf("connection handshake_timeout must be positive, got %v", conn.HandshakeTimeout)
	}
	if conn.MaxPayloadBytes <= 0 || conn.MaxPayloadBytes > protocol.MaxPayloadBytes {
		return fmt.Errorf("max_payload_bytes must be in (0, %d], got %d", protocol.MaxPayloadBytes, conn.MaxPayloadBytes)
	}
	if c.Sync.HandshakeTimeout <= 0 {
		return fmt.Errorf("sync handshake_timeout must be positive, got %v", c.Sync.HandshakeTimeout)
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", name, raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s %q: scheme must be one of %v", name, raw, schemes)
}

// Backoff returns the reconnect policy.
func (c *Config) Backoff() connection.Backoff {
	return connection.Backoff{
		Base:        c.Connection.BaseDelay,
		Max:         c.Connection.MaxDelay,
		MaxExponent: c.Connection.MaxExponent,
		MaxJitter:   c.Connection.Jitter,
	}
}

// ClientConfig returns the settings for client.New.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		ServerURL:         c.Server.URL,
		CredentialURL:     c.Server.CredentialURL,
		ClientID:          c.Connection.ClientID,
		Backoff:           c.Backoff(),
		HandshakeTimeout:  c.Connection.HandshakeTimeout,
		MaxPayloadBytes:   c.Connection.MaxPayloadBytes,
		CorrelationPrefix: c.Connection.CorrelationPrefix,
	}
}

// StateSyncConfig returns the settings for statesync.New.
func (c *Config) StateSyncConfig() statesync.Config {
	return statesync.Config{
		RequestEvent:     c.Sync.RequestEvent,
		PushEvent:        c.Sync.PushEvent,
		Scope:            c.Sync.Scope,
		HandshakeTimeout: c.Sync.HandshakeTimeout,
	}
}
