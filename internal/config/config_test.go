package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWithoutAFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("port = %d, want default 9000", cfg.Port)
	}
	if cfg.ChunkSizeDefault != 64*1024 {
		t.Fatalf("chunk_size_default = %d, want 65536", cfg.ChunkSizeDefault)
	}
	if cfg.Addr() != "0.0.0.0:9000" {
		t.Fatalf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatcore.yaml")
	contents := "port: 7777\nai_enabled: true\nai_api_key: test-key\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 7777 {
		t.Fatalf("port = %d, want 7777", cfg.Port)
	}
	if !cfg.AIEnabled || cfg.AIAPIKey != "test-key" {
		t.Fatalf("ai config not applied: %+v", cfg)
	}
	// Keys absent from the file still fall back to defaults.
	if cfg.SessionTimeoutMinutes != 5 {
		t.Fatalf("session_timeout_minutes = %d, want default 5", cfg.SessionTimeoutMinutes)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestDurationHelpersConvertUnits(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PingInterval().Seconds() != 30 {
		t.Fatalf("PingInterval() = %v", cfg.PingInterval())
	}
	if cfg.IdleAway().Minutes() != 10 {
		t.Fatalf("IdleAway() = %v", cfg.IdleAway())
	}
	if cfg.OfflineRetentionDuration().Hours() != 30*24 {
		t.Fatalf("OfflineRetentionDuration() = %v", cfg.OfflineRetentionDuration())
	}
}
