package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Call.RingTimeoutSec != 10 {
		t.Fatalf("expected default ring timeout 10, got %d", cfg.Call.RingTimeoutSec)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	// Loading again must round-trip the same values.
	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Presence.Topic != cfg.Presence.Topic {
		t.Fatalf("round-trip mismatch: %q != %q", again.Presence.Topic, cfg.Presence.Topic)
	}
}

func TestValidate(t *testing.T) {
	t.Run("fills zero values", func(t *testing.T) {
		cfg := Config{
			Identity: Identity{KeyFile: "id.key"},
			Presence: Presence{Topic: "t"},
		}
		if err := cfg.Validate(); err != nil {
			t.Fatal(err)
		}
		if cfg.Call.JoinAttempts != 10 {
			t.Fatalf("join attempts default not applied: %d", cfg.Call.JoinAttempts)
		}
		if len(cfg.Call.STUNServers) == 0 {
			t.Fatal("stun servers default not applied")
		}
	})

	t.Run("rejects bad port", func(t *testing.T) {
		cfg := Default(".")
		cfg.P2P.ListenPort = 99999
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for invalid port")
		}
	})

	t.Run("rejects empty key file", func(t *testing.T) {
		cfg := Default(".")
		cfg.Identity.KeyFile = ""
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for empty key file")
		}
	})
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte("{not json"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
