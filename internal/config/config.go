package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the relay.
type Config struct {
	Backend  BackendConfig  `json:"backend"`
	Channels ChannelsConfig `json:"channels"`
	Relay    RelayConfig    `json:"relay"`
	Sessions SessionsConfig `json:"sessions"`
	Database DatabaseConfig `json:"database,omitempty"`
	mu       sync.RWMutex
}

// BackendConfig points at the agent backend (conversation API + event socket).
// SessionAPIKey is NEVER read from config.json (secret) — only from env
// OHRELAY_SESSION_API_KEY.
type BackendConfig struct {
	BaseURL        string `json:"base_url"`
	SessionAPIKey  string `json:"-"`
	ConnectTimeout string `json:"connect_timeout,omitempty"` // default "20s"
	HealthInterval string `json:"health_interval,omitempty"` // default "30s", "0" disables
}

// ConnectTimeoutDuration returns the parsed connect timeout with default applied.
func (b BackendConfig) ConnectTimeoutDuration() time.Duration {
	return parseDurationDefault(b.ConnectTimeout, 20*time.Second)
}

// HealthIntervalDuration returns the parsed health check interval.
// Zero means the periodic health check is disabled.
func (b BackendConfig) HealthIntervalDuration() time.Duration {
	if b.HealthInterval == "0" {
		return 0
	}
	return parseDurationDefault(b.HealthInterval, 30*time.Second)
}

// ChannelsConfig holds per-channel configuration.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// WhatsAppConfig configures the WhatsApp bridge channel.
// The bridge (whatsapp-web.js based) handles the actual WhatsApp protocol;
// the channel just speaks JSON over a WebSocket to it.
type WhatsAppConfig struct {
	Enabled           bool                `json:"enabled"`
	BridgeURL         string              `json:"bridge_url"`
	AllowFrom         FlexibleStringSlice `json:"allow_from,omitempty"`
	GroupPolicy       string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
	SendRatePerMinute int                 `json:"send_rate_per_minute,omitempty"`
}

// RelayConfig tunes what the relay forwards back to the chat surface.
type RelayConfig struct {
	ShowThoughts   bool   `json:"show_thoughts,omitempty"`
	ShowOutputs    bool   `json:"show_outputs"`
	ShowFileOps    bool   `json:"show_file_ops"`
	MaxReplyChars  int    `json:"max_reply_chars,omitempty"`  // default 1000
	MaxOutputChars int    `json:"max_output_chars,omitempty"` // default 800, command output blocks
	ForwardTimeout string `json:"forward_timeout,omitempty"`  // default "60s"
}

// ForwardTimeoutDuration returns the parsed forward timeout with default applied.
func (r RelayConfig) ForwardTimeoutDuration() time.Duration {
	return parseDurationDefault(r.ForwardTimeout, 60*time.Second)
}

// SessionsConfig selects the standalone conversation store backend.
type SessionsConfig struct {
	Backend string `json:"backend,omitempty"` // "sqlite" (default) or "file"
	Storage string `json:"storage,omitempty"` // data directory
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from config.json (secret) — only from env
// OHRELAY_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true if conversations are persisted in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// RelaySnapshot returns a copy of the relay section for concurrent readers.
func (c *Config) RelaySnapshot() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// ReplaceRelay swaps the relay section (used by the config watcher).
func (c *Config) ReplaceRelay(r RelayConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay = r
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
