package agent

import (
	"path/filepath"
	"testing"

	"github.com/openkiosk/fleetd/internal/registry"
)

func TestConfigStoreRoundTrip(t *testing.T) {
	store := NewConfigStore(filepath.Join(t.TempDir(), "nested", "config.json"))

	want := registry.DisplayConfig{
		Name:       "lobby",
		URL:        "https://example.com",
		ZoomFactor: 1.5,
		Fullscreen: true,
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestConfigStoreMissingFile(t *testing.T) {
	store := NewConfigStore(filepath.Join(t.TempDir(), "config.json"))

	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg != (registry.DisplayConfig{}) {
		t.Errorf("expected zero config, got %+v", cfg)
	}
}

func TestConfigStoreOverwrite(t *testing.T) {
	store := NewConfigStore(filepath.Join(t.TempDir(), "config.json"))

	if err := store.Save(registry.DisplayConfig{URL: "https://old.example.com"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(registry.DisplayConfig{URL: "https://new.example.com"}); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.URL != "https://new.example.com" {
		t.Errorf("expected latest config, got %q", got.URL)
	}
}
