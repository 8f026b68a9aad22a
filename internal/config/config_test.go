package config

import (
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.DefaultCPUs != DefaultConfig().Sandbox.DefaultCPUs {
		t.Errorf("expected default cpus, got %d", cfg.Sandbox.DefaultCPUs)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.HostID = "host-123"
	cfg.Sandbox.DefaultCPUs = 4

	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.HostID != "host-123" {
		t.Errorf("HostID = %q, want host-123", loaded.HostID)
	}
	if loaded.Sandbox.DefaultCPUs != 4 {
		t.Errorf("DefaultCPUs = %d, want 4", loaded.Sandbox.DefaultCPUs)
	}
}
