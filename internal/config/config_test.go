package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesServerDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("expected default address, got %q", cfg.HTTPAddress)
	}
	if cfg.AuthEnabled() {
		t.Fatalf("expected auth to be disabled without a signing secret")
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("expected one hour token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected 15s heartbeat, got %s", cfg.HeartbeatInterval)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TIDESYNC_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("TIDESYNC_SYNC_POKE_BUFFER", "4")
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.AuthEnabled() || cfg.PokeBuffer != 4 {
		t.Fatalf("expected environment overrides, got %+v", cfg)
	}
}

func TestLoadRejectsInvalidAuthSettings(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("auth.token_ttl_minutes", 0)
	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "auth.token_ttl_minutes") {
		t.Fatalf("expected token ttl error, got %v", err)
	}
}

func TestLoadClientRequiresUser(t *testing.T) {
	configViper := NewViper()
	ApplyClientDefaults(configViper)
	_, err := LoadClient(configViper)
	if err == nil || !strings.Contains(err.Error(), "user") {
		t.Fatalf("expected user error, got %v", err)
	}

	configViper.Set("user", "alice")
	configViper.Set("server.url", "http://sync.local:9000/")
	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SyncURL() != "http://sync.local:9000/sync" {
		t.Fatalf("unexpected sync url %q", cfg.SyncURL())
	}
	if cfg.BulkThreshold != defaultBulkThreshold {
		t.Fatalf("expected default bulk threshold, got %d", cfg.BulkThreshold)
	}
}

func TestLoadClientRejectsRelativeServerURL(t *testing.T) {
	configViper := NewViper()
	ApplyClientDefaults(configViper)
	configViper.Set("user", "alice")
	configViper.Set("server.url", "sync.local")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected url error")
	}
}

func TestReadConfigFileLoadsExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidesync.yaml")
	if err := os.WriteFile(path, []byte("http:\n  address: 127.0.0.1:9999\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	configViper := NewViper()
	if err := ReadConfigFile(configViper, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("expected address from file, got %q", cfg.HTTPAddress)
	}
}

func TestReadConfigFileRejectsMissingExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	if err := ReadConfigFile(NewViper(), path); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestReadConfigFileRejectsMalformedExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("http: [unclosed\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := ReadConfigFile(NewViper(), path); err == nil {
		t.Fatalf("expected an error for a malformed config file")
	}
}

func TestReadConfigFileWithoutPathIgnoresMissingDefault(t *testing.T) {
	if err := ReadConfigFile(NewViper(), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
