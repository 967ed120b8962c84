package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the fleet controller.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
	Retention   RetentionConfig   `yaml:"retention"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Screenshots ScreenshotsConfig `yaml:"screenshots"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains admin authentication settings.
//
// Device authentication does not appear here: devices authenticate with
// per-device Ed25519 signatures bound at adoption, not shared secrets.
type SecurityConfig struct {
	// AdminJWTSecret signs admin API tokens (HS256). Required, min 32 chars.
	// Always set via FLEETD_ADMIN_JWT_SECRET in production.
	AdminJWTSecret string `yaml:"admin_jwt_secret"`

	// AdminTokenTTL is the admin token lifetime in minutes.
	AdminTokenTTL int `yaml:"admin_token_ttl"`
}

// RetentionConfig contains stale-device sweep settings.
type RetentionConfig struct {
	// SweepInterval is how often the reaper runs (e.g. "24h").
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Confirm enables destructive sweeps. When false (the default) every
	// scheduled sweep is a dry run that only reports candidates.
	Confirm bool `yaml:"confirm"`

	// PendingDeleteDays: never-adopted devices older than this are deleted.
	PendingDeleteDays int `yaml:"pending_delete_days"`

	// OfflineFlagDays: adopted devices unseen for this long are flagged.
	OfflineFlagDays int `yaml:"offline_flag_days"`

	// ArchiveDays: adopted devices unseen for this long are archived.
	ArchiveDays int `yaml:"archive_days"`
}

// MQTTConfig contains MQTT broker connection settings for lifecycle events.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings for heartbeat telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// ScreenshotsConfig contains settings for device screenshot uploads.
type ScreenshotsConfig struct {
	// Dir is the directory where uploaded captures are stored.
	Dir string `yaml:"dir"`

	// MaxBytes limits the size of a single upload.
	MaxBytes int64 `yaml:"max_bytes"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEETD_SECTION_KEY
// For example: FLEETD_DATABASE_PATH, FLEETD_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/fleetd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			AdminTokenTTL: 60,
		},
		Retention: RetentionConfig{
			SweepInterval:     24 * time.Hour,
			Confirm:           false,
			PendingDeleteDays: 7,
			OfflineFlagDays:   30,
			ArchiveDays:       90,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleetd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Screenshots: ScreenshotsConfig{
			Dir:      "./data/screenshots",
			MaxBytes: 8 << 20,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEETD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETD_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FLEETD_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("FLEETD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("FLEETD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEETD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEETD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("FLEETD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - admin JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("FLEETD_ADMIN_JWT_SECRET"); v != "" {
		cfg.Security.AdminJWTSecret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The admin token is the only thing standing between the internet and
	// adopt/delete/command on every kiosk in the fleet, so an empty or weak
	// secret is a startup failure, not a warning.
	const minJWTSecretLength = 32
	if c.Security.AdminJWTSecret == "" {
		errs = append(errs, "security.admin_jwt_secret is required (set FLEETD_ADMIN_JWT_SECRET environment variable)")
	} else if len(c.Security.AdminJWTSecret) < minJWTSecretLength {
		errs = append(errs, "security.admin_jwt_secret must be at least 32 characters")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Retention.PendingDeleteDays < 1 {
		errs = append(errs, "retention.pending_delete_days must be at least 1")
	}
	if c.Retention.ArchiveDays < c.Retention.OfflineFlagDays {
		errs = append(errs, "retention.archive_days must not be less than retention.offline_flag_days")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
