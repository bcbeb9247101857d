package sentinel

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
token:
  secret: "0123456789abcdef0123456789abcdef"
  issuer: sentinel-test
  audience: sentinel-api
  access_ttl: 5m
session:
  max_sessions_per_user: 3
  key_prefix: st
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Token.AccessTTL != 5*time.Minute {
		t.Fatalf("AccessTTL = %v, want 5m", cfg.Token.AccessTTL)
	}
	if cfg.Session.MaxSessionsPerUser != 3 || cfg.Session.KeyPrefix != "st" {
		t.Fatalf("session config not merged: %+v", cfg.Session)
	}
	// Untouched fields keep their defaults.
	if cfg.Token.RefreshTTL != 720*time.Hour {
		t.Fatalf("RefreshTTL = %v, want default 720h", cfg.Token.RefreshTTL)
	}
	if cfg.Password.Cost != 12 {
		t.Fatalf("Cost = %d, want default 12", cfg.Password.Cost)
	}
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}

	bad := writeConfigFile(t, "token:\n  access_ttl: \"not a duration\"\n")
	if _, err := LoadConfig(bad); err == nil {
		t.Fatal("unparseable duration must fail")
	}

	unknown := writeConfigFile(t, "tokens:\n  issuer: x\n")
	if _, err := LoadConfig(unknown); err == nil {
		t.Fatal("unknown key must fail under strict parsing")
	}

	// Parses but fails validation: secret too short for hs256.
	weak := writeConfigFile(t, `
token:
  secret: short
  issuer: sentinel-test
  audience: sentinel-api
`)
	if _, err := LoadConfig(weak); err == nil {
		t.Fatal("invalid merged config must fail validation")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	// Defaults ship without key material; only the secret is missing.
	cfg.Token.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.Token.Issuer = "sentinel"
	cfg.Token.Audience = "api"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}
