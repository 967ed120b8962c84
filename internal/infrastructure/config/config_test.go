package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
api:
  host: "127.0.0.1"
  port: 9090
database:
  path: "/tmp/test-fleet.db"
  wal_mode: true
  busy_timeout: 5
security:
  admin_jwt_secret: "test-secret-key-at-least-32-chars!"
retention:
  sweep_interval: 12h
  pending_delete_days: 14
mqtt:
  enabled: true
  broker:
    host: "broker.local"
    port: 1883
    client_id: "fleetd-test"
  qos: 1
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.Database.Path != "/tmp/test-fleet.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test-fleet.db")
	}
	if cfg.Retention.SweepInterval != 12*time.Hour {
		t.Errorf("Retention.SweepInterval = %v, want 12h", cfg.Retention.SweepInterval)
	}
	if cfg.Retention.PendingDeleteDays != 14 {
		t.Errorf("Retention.PendingDeleteDays = %d, want 14", cfg.Retention.PendingDeleteDays)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
}

func TestLoad_DefaultsApply(t *testing.T) {
	// A minimal file only needs the admin secret; everything else defaults.
	content := `
security:
  admin_jwt_secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("API.Port default = %d, want 8080", cfg.API.Port)
	}
	if !cfg.Database.WALMode {
		t.Error("Database.WALMode default should be true")
	}
	if cfg.Retention.Confirm {
		t.Error("Retention.Confirm should default to false (dry run)")
	}
	if cfg.Retention.PendingDeleteDays != 7 || cfg.Retention.OfflineFlagDays != 30 || cfg.Retention.ArchiveDays != 90 {
		t.Errorf("retention day defaults = %d/%d/%d, want 7/30/90",
			cfg.Retention.PendingDeleteDays, cfg.Retention.OfflineFlagDays, cfg.Retention.ArchiveDays)
	}
	if cfg.Screenshots.MaxBytes != 8<<20 {
		t.Errorf("Screenshots.MaxBytes default = %d, want %d", cfg.Screenshots.MaxBytes, 8<<20)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	content := `
database:
  path: "/tmp/from-file.db"
security:
  admin_jwt_secret: "file-secret-that-is-32-characters!!"
`
	t.Setenv("FLEETD_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("FLEETD_API_PORT", "7070")
	t.Setenv("FLEETD_ADMIN_JWT_SECRET", "env-secret-that-is-also-32-chars!!!")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, env override not applied", cfg.Database.Path)
	}
	if cfg.API.Port != 7070 {
		t.Errorf("API.Port = %d, env override not applied", cfg.API.Port)
	}
	if cfg.Security.AdminJWTSecret != "env-secret-that-is-also-32-chars!!!" {
		t.Error("Security.AdminJWTSecret env override not applied")
	}
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.Security.AdminJWTSecret = "test-secret-key-at-least-32-chars!"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "missing admin secret",
			mutate:  func(c *Config) { c.Security.AdminJWTSecret = "" },
			wantErr: "admin_jwt_secret is required",
		},
		{
			name:    "short admin secret",
			mutate:  func(c *Config) { c.Security.AdminJWTSecret = "too-short" },
			wantErr: "at least 32 characters",
		},
		{
			name: "invalid mqtt qos",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			wantErr: "mqtt.qos",
		},
		{
			name:    "pending delete days too low",
			mutate:  func(c *Config) { c.Retention.PendingDeleteDays = 0 },
			wantErr: "pending_delete_days",
		},
		{
			name: "archive before flag",
			mutate: func(c *Config) {
				c.Retention.OfflineFlagDays = 90
				c.Retention.ArchiveDays = 30
			},
			wantErr: "archive_days",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestTimeoutGetters(t *testing.T) {
	cfg := defaultConfig()
	if cfg.GetReadTimeout() != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 30s", cfg.GetReadTimeout())
	}
	if cfg.GetIdleTimeout() != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 60s", cfg.GetIdleTimeout())
	}
}
