package config

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != defaultAddress {
		t.Errorf("Address = %q, want %q", cfg.Address, defaultAddress)
	}
	if cfg.StoreBackend != defaultStoreBackend {
		t.Errorf("StoreBackend = %q, want %q", cfg.StoreBackend, defaultStoreBackend)
	}
	if cfg.RPID != defaultRPID || cfg.RPOrigin != defaultRPOrigin {
		t.Errorf("relying party = %q / %q, want defaults", cfg.RPID, cfg.RPOrigin)
	}
	if cfg.ReplayWindow != defaultReplayWindow {
		t.Errorf("ReplayWindow = %v, want %v", cfg.ReplayWindow, defaultReplayWindow)
	}
	if cfg.AdminAPIKey != "" {
		t.Errorf("AdminAPIKey = %q, want unset", cfg.AdminAPIKey)
	}
	if cfg.JWTSigningKey != nil {
		t.Error("JWTSigningKey should be unset by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AT_HTTP_ADDR", ":9999")
	t.Setenv("AT_STORE_BACKEND", "MEMORY")
	t.Setenv("AT_REPLAY_WINDOW_SECONDS", "120")
	t.Setenv("AT_ADMIN_API_KEY", "secret")
	t.Setenv("AT_JWT_SIGNING_KEY", base64.StdEncoding.EncodeToString([]byte("key-bytes")))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":9999" {
		t.Errorf("Address = %q", cfg.Address)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("StoreBackend = %q, want lowercased memory", cfg.StoreBackend)
	}
	if cfg.ReplayWindow != 2*time.Minute {
		t.Errorf("ReplayWindow = %v, want 2m", cfg.ReplayWindow)
	}
	if string(cfg.JWTSigningKey) != "key-bytes" {
		t.Errorf("JWTSigningKey = %q", cfg.JWTSigningKey)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("AT_STORE_BACKEND", "etcd")
		if _, err := Load(); err == nil {
			t.Error("expected error for unknown backend")
		}
	})
	t.Run("postgres without dsn", func(t *testing.T) {
		t.Setenv("AT_STORE_BACKEND", "postgres")
		if _, err := Load(); err == nil {
			t.Error("expected error for postgres without AT_DB_DSN")
		}
	})
	t.Run("non-numeric window", func(t *testing.T) {
		t.Setenv("AT_REPLAY_WINDOW_SECONDS", "soon")
		if _, err := Load(); err == nil {
			t.Error("expected error for non-numeric replay window")
		}
	})
	t.Run("negative ttl", func(t *testing.T) {
		t.Setenv("AT_CHALLENGE_TTL_SECONDS", "-5")
		if _, err := Load(); err == nil {
			t.Error("expected error for negative challenge ttl")
		}
	})
	t.Run("bad signing key", func(t *testing.T) {
		t.Setenv("AT_JWT_SIGNING_KEY", "not base64!!!")
		if _, err := Load(); err == nil {
			t.Error("expected error for invalid signing key encoding")
		}
	})
}
