package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables read by Load.
const (
	EnvServerURL        = "LIVEWIRE_SERVER_URL"
	EnvCredentialURL    = "LIVEWIRE_CREDENTIAL_URL"
	EnvLogLevel         = "LIVEWIRE_LOG_LEVEL"
	EnvMirrorPath       = "LIVEWIRE_MIRROR_PATH"
	EnvClientID         = "LIVEWIRE_CLIENT_ID"
	EnvHandshakeTimeout = "LIVEWIRE_HANDSHAKE_TIMEOUT"
	EnvMaxPayloadBytes  = "LIVEWIRE_MAX_PAYLOAD_BYTES"
)

func (c *Config) applyEnv() error {
	envString(EnvServerURL, &c.Server.URL)
	envString(EnvCredentialURL, &c.Server.CredentialURL)
	envString(EnvLogLevel, &c.Log.Level)
	envString(EnvMirrorPath, &c.Sync.MirrorPath)
	envString(EnvClientID, &c.Connection.ClientID)

	if err := envDuration(EnvHandshakeTimeout, &c.Connection.HandshakeTimeout); err != nil {
		return err
	}
	return envInt(EnvMaxPayloadBytes, &c.Connection.MaxPayloadBytes)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt, unlike envString, rejects malformed values instead of
// silently keeping the previous one.
func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
