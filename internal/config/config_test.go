package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if k, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "GATE_") {
			t.Setenv(k, "")
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChannelURL != "ws://localhost:8000/ws" {
		t.Errorf("ChannelURL = %q", cfg.ChannelURL)
	}
	if cfg.MaxReconnectAttempts != 5 || cfg.ReconnectDelay != 3*time.Second {
		t.Errorf("reconnect = %d/%s, want 5/3s", cfg.MaxReconnectAttempts, cfg.ReconnectDelay)
	}
	if cfg.ApprovalCap != 50 || cfg.AuditCap != 10000 {
		t.Errorf("caps = %d/%d", cfg.ApprovalCap, cfg.AuditCap)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATE_API_URL", "http://ops:9000")
	t.Setenv("GATE_MAX_RECONNECT_ATTEMPTS", "2")
	t.Setenv("GATE_POLL_APPROVALS", "250ms")
	t.Setenv("GATE_API_RATE", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != "http://ops:9000" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.MaxReconnectAttempts != 2 {
		t.Errorf("MaxReconnectAttempts = %d", cfg.MaxReconnectAttempts)
	}
	if cfg.PollApprovals != 250*time.Millisecond {
		t.Errorf("PollApprovals = %s", cfg.PollApprovals)
	}
	if cfg.APIRate != 2.5 {
		t.Errorf("APIRate = %v", cfg.APIRate)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "gate.yaml")
	body := "api_url: http://file:1\noperator: file-op\napproval_cap: 5\naudit_cap: 20\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GATE_CONFIG_FILE", path)
	t.Setenv("GATE_OPERATOR", "env-op")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != "http://file:1" {
		t.Errorf("APIURL = %q, want file value", cfg.APIURL)
	}
	if cfg.Operator != "env-op" {
		t.Errorf("Operator = %q, want env override", cfg.Operator)
	}
	if cfg.ApprovalCap != 5 || cfg.AuditCap != 20 {
		t.Errorf("caps = %d/%d", cfg.ApprovalCap, cfg.AuditCap)
	}
	if cfg.PollHistory != 5*time.Second {
		t.Errorf("PollHistory = %s, want default kept", cfg.PollHistory)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non-numeric attempts", "GATE_MAX_RECONNECT_ATTEMPTS", "many"},
		{"negative attempts", "GATE_MAX_RECONNECT_ATTEMPTS", "-1"},
		{"bad duration", "GATE_RECONNECT_DELAY", "soon"},
		{"zero poll", "GATE_POLL_TELEMETRY", "0s"},
		{"audit below approvals", "GATE_AUDIT_CAP", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%q: expected error", tt.key, tt.val)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}
