package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Auth      AuthConfig      `yaml:"auth"`
	Worker    WorkerConfig    `yaml:"worker"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UpstreamConfig contains ERP client settings.
type UpstreamConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"-"` // env-only, never in YAML
	APISecret string `yaml:"-"` // env-only, never in YAML

	Timeout        Duration `yaml:"timeout"`
	RetryCount     int      `yaml:"retry_count"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`

	MaxConcurrent    int64    `yaml:"max_concurrent"`
	Reservoir        int      `yaml:"reservoir"`
	ReservoirRefresh int      `yaml:"reservoir_refresh"`
	ReservoirWindow  Duration `yaml:"reservoir_window"`
	MinSpacing       Duration `yaml:"min_spacing"`

	BatchSize  int      `yaml:"batch_size"`
	BatchDelay Duration `yaml:"batch_delay"`

	BreakerThreshold uint32 `yaml:"breaker_threshold"`
}

// ForwarderConfig contains background sync settings.
type ForwarderConfig struct {
	SyncInterval Duration `yaml:"sync_interval"`
	BatchSize    int      `yaml:"batch_size"`
	MaxAttempts  int      `yaml:"max_attempts"`
	Retention    Duration `yaml:"retention"`
}

// AuthConfig contains session authority settings.
type AuthConfig struct {
	SigningSecret  string `yaml:"-"` // env-only, never in YAML
	PreviousSecret string `yaml:"-"` // env-only, never in YAML
	DeviceKey      string `yaml:"-"` // env-only, never in YAML

	AccessTTL             Duration `yaml:"access_ttl"`
	RefreshTTL            Duration `yaml:"refresh_ttl"`
	MaxConcurrentSessions int      `yaml:"max_concurrent_sessions"`
	KeyGraceDays          int      `yaml:"key_grace_days"`
	RotatedAt             string   `yaml:"rotated_at"` // RFC3339; empty when no rotation in progress
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	CleanupInterval  Duration `yaml:"cleanup_interval"`
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// SnapshotConfig contains S3-compatible snapshot storage settings.
type SnapshotConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SHIFTWIRE_CONFIG_PATH", "config/shiftwire.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/shiftwire.db",
		},
		Upstream: UpstreamConfig{
			Timeout:          Duration(30 * time.Second),
			RetryCount:       3,
			RetryBaseDelay:   Duration(time.Second),
			MaxConcurrent:    3,
			Reservoir:        100,
			ReservoirRefresh: 100,
			ReservoirWindow:  Duration(60 * time.Second),
			MinSpacing:       Duration(300 * time.Millisecond),
			BatchSize:        10,
			BatchDelay:       Duration(time.Second),
			BreakerThreshold: 10,
		},
		Forwarder: ForwarderConfig{
			SyncInterval: Duration(30 * time.Second),
			BatchSize:    20,
			MaxAttempts:  3,
			Retention:    Duration(30 * 24 * time.Hour),
		},
		Auth: AuthConfig{
			AccessTTL:             Duration(15 * time.Minute),
			RefreshTTL:            Duration(7 * 24 * time.Hour),
			MaxConcurrentSessions: 5,
			KeyGraceDays:          0,
		},
		Worker: WorkerConfig{
			CleanupInterval:  Duration(time.Hour),
			SnapshotInterval: Duration(time.Hour),
		},
		Snapshot: SnapshotConfig{
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("SHIFTWIRE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SHIFTWIRE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SHIFTWIRE_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("SHIFTWIRE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Upstream
	if v := os.Getenv("SHIFTWIRE_ERP_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("SHIFTWIRE_ERP_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("SHIFTWIRE_ERP_SECRET"); v != "" {
		cfg.Upstream.APISecret = v
	}
	if v := os.Getenv("SHIFTWIRE_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.Timeout = Duration(d)
		}
	}

	// Forwarder
	if v := os.Getenv("SHIFTWIRE_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Forwarder.SyncInterval = Duration(d)
		}
	}
	if v := os.Getenv("SHIFTWIRE_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Forwarder.BatchSize = n
		}
	}
	if v := os.Getenv("SHIFTWIRE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Forwarder.MaxAttempts = n
		}
	}
	if v := os.Getenv("SHIFTWIRE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Forwarder.Retention = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("SHIFTWIRE_SIGNING_SECRET"); v != "" {
		cfg.Auth.SigningSecret = v
	}
	if v := os.Getenv("SHIFTWIRE_PREVIOUS_SECRET"); v != "" {
		cfg.Auth.PreviousSecret = v
	}
	if v := os.Getenv("SHIFTWIRE_DEVICE_KEY"); v != "" {
		cfg.Auth.DeviceKey = v
	}
	if v := os.Getenv("SHIFTWIRE_KEY_GRACE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.KeyGraceDays = n
		}
	}

	// Snapshot storage
	if v := os.Getenv("SHIFTWIRE_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("SHIFTWIRE_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("SHIFTWIRE_SNAPSHOT_ACCESS_KEY"); v != "" {
		cfg.Snapshot.AccessKey = v
	}
	if v := os.Getenv("SHIFTWIRE_SNAPSHOT_SECRET_KEY"); v != "" {
		cfg.Snapshot.SecretKey = v
	}

	// Log
	if v := os.Getenv("SHIFTWIRE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SHIFTWIRE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// RotatedAtTime parses the rotation anchor; zero time when unset.
func (c *Config) RotatedAtTime() (time.Time, error) {
	if c.Auth.RotatedAt == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.Auth.RotatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid auth.rotated_at: %w", err)
	}
	return t, nil
}

// validate checks that required configuration values are set.
// In dev mode (SHIFTWIRE_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	if _, err := c.RotatedAtTime(); err != nil {
		return err
	}

	// Dev mode bypasses secret validation
	if os.Getenv("SHIFTWIRE_DEV_MODE") == "true" {
		return nil
	}

	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url (or SHIFTWIRE_ERP_URL) is required")
	}
	if c.Upstream.APIKey == "" || c.Upstream.APISecret == "" {
		return errors.New("SHIFTWIRE_ERP_KEY and SHIFTWIRE_ERP_SECRET are required")
	}
	if c.Auth.SigningSecret == "" {
		return errors.New("SHIFTWIRE_SIGNING_SECRET is required")
	}
	if c.Auth.DeviceKey == "" {
		return errors.New("SHIFTWIRE_DEVICE_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
