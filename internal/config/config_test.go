package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend.BaseURL != "http://localhost:3000" {
		t.Errorf("base url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.ConnectTimeoutDuration() != 20*time.Second {
		t.Errorf("connect timeout = %v", cfg.Backend.ConnectTimeoutDuration())
	}
	if cfg.Relay.ForwardTimeoutDuration() != 60*time.Second {
		t.Errorf("forward timeout = %v", cfg.Relay.ForwardTimeoutDuration())
	}
	if cfg.Relay.ShowThoughts {
		t.Error("thoughts should be hidden by default")
	}
	if !cfg.Relay.ShowOutputs || !cfg.Relay.ShowFileOps {
		t.Error("outputs and file ops should be shown by default")
	}
	if cfg.Sessions.Backend != "sqlite" {
		t.Errorf("sessions backend = %q", cfg.Sessions.Backend)
	}
	if cfg.IsManagedMode() {
		t.Error("default config should be standalone")
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Backend.BaseURL == "" {
		t.Error("defaults should apply for missing file")
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// comments are allowed
		backend: {
			base_url: "http://10.0.0.5:3000",
			connect_timeout: "5s",
		},
		channels: {
			whatsapp: {
				enabled: true,
				bridge_url: "ws://localhost:8765",
				allow_from: ["12025550101", 12025550102],
			},
		},
		relay: {
			show_thoughts: true,
			show_outputs: false,
			show_file_ops: true,
			forward_timeout: "90s",
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Backend.BaseURL != "http://10.0.0.5:3000" {
		t.Errorf("base url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.ConnectTimeoutDuration() != 5*time.Second {
		t.Errorf("connect timeout = %v", cfg.Backend.ConnectTimeoutDuration())
	}
	if !cfg.Channels.WhatsApp.Enabled {
		t.Error("whatsapp should be enabled")
	}
	if got := []string(cfg.Channels.WhatsApp.AllowFrom); len(got) != 2 || got[1] != "12025550102" {
		t.Errorf("allow_from = %v", got)
	}
	if !cfg.Relay.ShowThoughts || cfg.Relay.ShowOutputs {
		t.Error("relay toggles not applied")
	}
	if cfg.Relay.ForwardTimeoutDuration() != 90*time.Second {
		t.Errorf("forward timeout = %v", cfg.Relay.ForwardTimeoutDuration())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OHRELAY_BACKEND_URL", "http://env-host:3000")
	t.Setenv("OHRELAY_SESSION_API_KEY", "sk-test")
	t.Setenv("OHRELAY_BRIDGE_URL", "ws://env-bridge:8765")
	t.Setenv("OHRELAY_SEND_RATE_PER_MINUTE", "12")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Backend.BaseURL != "http://env-host:3000" {
		t.Errorf("base url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.SessionAPIKey != "sk-test" {
		t.Error("session api key not picked up from env")
	}
	if !cfg.Channels.WhatsApp.Enabled {
		t.Error("bridge url via env should enable the channel")
	}
	if cfg.Channels.WhatsApp.SendRatePerMinute != 12 {
		t.Errorf("send rate = %d", cfg.Channels.WhatsApp.SendRatePerMinute)
	}
}

func TestEnvPrecedenceOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{backend: {base_url: "http://file-host:3000"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OHRELAY_BACKEND_URL", "http://env-host:3000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.BaseURL != "http://env-host:3000" {
		t.Errorf("env should win over file, got %q", cfg.Backend.BaseURL)
	}
}

func TestHealthIntervalDisabled(t *testing.T) {
	b := BackendConfig{HealthInterval: "0"}
	if b.HealthIntervalDuration() != 0 {
		t.Error("\"0\" should disable the health check")
	}
	b = BackendConfig{}
	if b.HealthIntervalDuration() != 30*time.Second {
		t.Errorf("default health interval = %v", b.HealthIntervalDuration())
	}
}

func TestRelaySnapshotSwap(t *testing.T) {
	cfg := Default()
	next := cfg.RelaySnapshot()
	next.ShowThoughts = true
	cfg.ReplaceRelay(next)

	if !cfg.RelaySnapshot().ShowThoughts {
		t.Error("replaced relay section not visible in snapshot")
	}
}

func TestParseDurationDefault(t *testing.T) {
	tests := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Minute, time.Minute},
		{"15s", time.Minute, 15 * time.Second},
		{"garbage", time.Minute, time.Minute},
		{"-5s", time.Minute, time.Minute},
	}
	for _, tt := range tests {
		if got := parseDurationDefault(tt.in, tt.def); got != tt.want {
			t.Errorf("parseDurationDefault(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
