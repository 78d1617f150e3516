package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NetworkHost != "0.0.0.0" || cfg.Port != 8000 || cfg.DataDir != dir {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Secret) != 64 {
		t.Errorf("expected 64-char secret, got %d chars", len(cfg.Secret))
	}

	if _, err := os.Stat(filepath.Join(dir, "littleci.json")); err != nil {
		t.Errorf("expected littleci.json to be created: %v", err)
	}
}

func TestLoadReadsExistingJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "littleci.json")
	data, _ := json.Marshal(Config{Secret: "abc", NetworkHost: "127.0.0.1", Port: 9000, DataDir: dir, AuthenticationType: "Simple"})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Secret != "abc" || cfg.NetworkHost != "127.0.0.1" || cfg.Port != 9000 {
		t.Errorf("unexpected config loaded: %+v", cfg)
	}
}

func TestLoadSecondCallIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := Load(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.Secret != second.Secret {
		t.Error("expected the secret to persist across loads, not regenerate")
	}
}
