package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:3000",
			ConnectTimeout: "20s",
			HealthInterval: "30s",
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				GroupPolicy:       "open",
				SendRatePerMinute: 30,
			},
		},
		Relay: RelayConfig{
			ShowOutputs:    true,
			ShowFileOps:    true,
			MaxReplyChars:  1000,
			MaxOutputChars: 800,
			ForwardTimeout: "60s",
		},
		Sessions: SessionsConfig{
			Backend: "sqlite",
			Storage: "~/.ohrelay/sessions",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("OHRELAY_BACKEND_URL", &c.Backend.BaseURL)
	envStr("OHRELAY_SESSION_API_KEY", &c.Backend.SessionAPIKey)
	envStr("OHRELAY_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("OHRELAY_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("OHRELAY_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("OHRELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("OHRELAY_MODE", &c.Database.Mode)

	// Auto-enable the channel when a bridge URL is provided via env
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	if v := os.Getenv("OHRELAY_SEND_RATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Channels.WhatsApp.SendRatePerMinute = n
		}
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
