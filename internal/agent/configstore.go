package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openkiosk/fleetd/internal/registry"
)

// ConfigStore persists the display config the server last delivered, so
// the kiosk can come up with its known-good config while the server is
// unreachable.
//
// Writes go through a temp file and rename: a power cut mid-write leaves
// either the old config or the new one, never a torn file.
type ConfigStore struct {
	path string
}

// NewConfigStore creates a store at the given file path.
func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// Load reads the stored config. A missing file returns a zero config and
// no error: the agent has simply never completed a poll.
func (cs *ConfigStore) Load() (registry.DisplayConfig, error) {
	var cfg registry.DisplayConfig

	data, err := os.ReadFile(cs.path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save atomically replaces the stored config.
func (cs *ConfigStore) Save(cfg registry.DisplayConfig) error {
	if err := os.MkdirAll(filepath.Dir(cs.path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp := cs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, cs.path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
