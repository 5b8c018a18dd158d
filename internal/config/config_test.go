package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearTracegateEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "TRACEGATE_") {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	clearTracegateEnv(t)
	t.Setenv("TRACEGATE_ADMIN_TOKEN", "")
	t.Setenv("TRACEGATE_AGENT_TOKEN", "")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.APIPort != 2290 {
		t.Errorf("APIPort = %d, want 2290", cfg.APIPort)
	}
	if cfg.StateDir != "/var/lib/tracegate" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.DefaultDeviceQuota != 3 {
		t.Errorf("DefaultDeviceQuota = %d, want 3", cfg.DefaultDeviceQuota)
	}
	if cfg.OutboxRetention != 7*24*time.Hour {
		t.Errorf("OutboxRetention = %v", cfg.OutboxRetention)
	}
}

func TestLoadEnvConfigMissingTokens(t *testing.T) {
	clearTracegateEnv(t)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error when tokens undefined")
	}
	if !strings.Contains(err.Error(), "TRACEGATE_ADMIN_TOKEN") {
		t.Errorf("error should mention admin token: %v", err)
	}
}

func TestLoadEnvConfigInvalidValues(t *testing.T) {
	clearTracegateEnv(t)
	t.Setenv("TRACEGATE_ADMIN_TOKEN", "x")
	t.Setenv("TRACEGATE_AGENT_TOKEN", "x")
	t.Setenv("TRACEGATE_API_PORT", "70000")
	t.Setenv("TRACEGATE_OUTBOX_RETENTION", "banana")
	t.Setenv("TRACEGATE_QUARANTINE_REAP_SCHEDULE", "not a cron")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"TRACEGATE_API_PORT", "TRACEGATE_OUTBOX_RETENTION", "TRACEGATE_QUARANTINE_REAP_SCHEDULE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestLoadDispatcherConfigDefaults(t *testing.T) {
	clearTracegateEnv(t)
	t.Setenv("TRACEGATE_AGENT_TOKEN", "")

	cfg, err := LoadDispatcherConfig()
	if err != nil {
		t.Fatalf("LoadDispatcherConfig: %v", err)
	}
	if cfg.BatchSize != 32 || cfg.Concurrency != 8 || cfg.MaxAttempts != 5 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.LeaseTTL != time.Minute {
		t.Errorf("LeaseTTL = %v, want 1m", cfg.LeaseTTL)
	}
}

func TestLoadAgentConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := `
token: "correct-horse-battery-staple-9931"
data_root: /srv/tracegate
xray:
  enabled: true
  live_apply: true
  api_address: "127.0.0.1:10085"
wireguard:
  enabled: true
  reload_command: ["systemctl", "reload", "wg-quick@wg0"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.Port != 2291 {
		t.Errorf("Port = %d, want default 2291", cfg.Port)
	}
	if cfg.Xray.FileName != "config.json" {
		t.Errorf("Xray.FileName = %q", cfg.Xray.FileName)
	}
	if cfg.Wireguard.FileName != "wg0.conf" {
		t.Errorf("Wireguard.FileName = %q", cfg.Wireguard.FileName)
	}
	if !cfg.Xray.LiveApply {
		t.Error("LiveApply should be true")
	}
}

func TestLoadAgentConfigRejectsWeakToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := `
token: "password"
xray:
  enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadAgentConfig(path)
	if err == nil {
		t.Fatal("expected weak token rejection")
	}
	if !strings.Contains(err.Error(), "too weak") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadAgentConfigRejectsLiveApplyWithoutAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := `
token: "correct-horse-battery-staple-9931"
xray:
  enabled: true
  live_apply: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadAgentConfig(path)
	if err == nil || !strings.Contains(err.Error(), "api_address") {
		t.Errorf("expected api_address error, got %v", err)
	}
}

func TestLoadAgentConfigUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := `
token: "correct-horse-battery-staple-9931"
bogus_key: true
xray:
  enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadAgentConfig(path)
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestIsWeakToken(t *testing.T) {
	tests := []struct {
		token string
		weak  bool
	}{
		{"", false},
		{"password", true},
		{"12345678", true},
		{"admin", true},
		{"fN8vK2mQ9xR4wL7jB3pT6yH1sD5g", false},
	}
	for _, tt := range tests {
		if got := IsWeakToken(tt.token); got != tt.weak {
			t.Errorf("IsWeakToken(%q) = %v, want %v", tt.token, got, tt.weak)
		}
	}
}
