// Package config loads and validates the penpalsync YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // quota.timezone must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"
)

// Remote backends.
const (
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DatabasePath is the SQLite cache file. A leading "~/" is expanded.
	// Defaults to ~/.local/share/penpalsync/cache.db.
	DatabasePath string `yaml:"database_path"`

	// Remote selects and configures the remote document store.
	Remote RemoteConfig `yaml:"remote"`

	// Quota configures the daily swipe allowance.
	Quota QuotaConfig `yaml:"quota"`

	// Cache configures local cache retention.
	Cache CacheConfig `yaml:"cache"`

	// RetryInterval controls how often unsynced local writes are re-sent
	// and expired cache rows purged. Minimum 10s, maximum 1h. Defaults to 1m.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// UserID signs the CLI in as a fixed user without token verification.
	UserID string `yaml:"user_id,omitempty"`

	// IDToken is a Firebase ID token verified at startup when UserID is
	// empty.
	IDToken string `yaml:"id_token,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// RemoteConfig selects the remote store.
type RemoteConfig struct {
	// Backend is "firestore" (default) or "memory". The memory backend keeps
	// documents in-process and is meant for local development.
	Backend string `yaml:"backend"`

	// ProjectID is the Firebase project. Required for firestore.
	ProjectID string `yaml:"project_id"`

	// CredentialsFile is a service account JSON file. Empty means
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// QuotaConfig configures the quota ledger.
type QuotaConfig struct {
	// MaxPerDay is the cap applied to users without a stored record.
	// Defaults to 40.
	MaxPerDay int `yaml:"max_per_day"`

	// Collection is the remote collection of quota records. Defaults to
	// "swipeLimits".
	Collection string `yaml:"collection"`

	// Timezone is the IANA zone that decides when a day rolls over.
	// Defaults to the host's local zone.
	Timezone string `yaml:"timezone"`

	loc *time.Location
}

// Location returns the parsed Timezone.
func (q QuotaConfig) Location() *time.Location {
	if q.loc == nil {
		return time.Local
	}
	return q.loc
}

// CacheConfig configures local cache retention.
type CacheConfig struct {
	// TTL is the maximum age of synced cache rows. Minimum 1h. Defaults to
	// 168h (7 days).
	TTL time.Duration `yaml:"ttl"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "penpalsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/penpalsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "penpalsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves c as YAML at path, creating parent directories. The file is
// private to the user since it may hold credentials paths and tokens.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	switch {
	case c.DatabasePath == "":
		c.DatabasePath = filepath.Join(home, ".local", "share", "penpalsync", "cache.db")
	case strings.HasPrefix(c.DatabasePath, "~/"):
		c.DatabasePath = filepath.Join(home, c.DatabasePath[2:])
	}

	switch c.Remote.Backend {
	case "":
		c.Remote.Backend = BackendFirestore
		fallthrough
	case BackendFirestore:
		if c.Remote.ProjectID == "" {
			return fmt.Errorf("remote.project_id is required for the firestore backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("remote.backend %q must be %q or %q", c.Remote.Backend, BackendFirestore, BackendMemory)
	}

	if c.Quota.MaxPerDay == 0 {
		c.Quota.MaxPerDay = 40
	}
	if c.Quota.MaxPerDay < 0 {
		return fmt.Errorf("quota.max_per_day %d must not be negative", c.Quota.MaxPerDay)
	}
	if c.Quota.Collection == "" {
		c.Quota.Collection = "swipeLimits"
	}
	if c.Quota.Timezone != "" {
		loc, err := time.LoadLocation(c.Quota.Timezone)
		if err != nil {
			return fmt.Errorf("quota.timezone %q: %w", c.Quota.Timezone, err)
		}
		c.Quota.loc = loc
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = 7 * 24 * time.Hour
	}
	if c.Cache.TTL < time.Hour {
		return fmt.Errorf("cache.ttl %v is too short (minimum 1h)", c.Cache.TTL)
	}

	if c.RetryInterval == 0 {
		c.RetryInterval = time.Minute
	}
	if c.RetryInterval < 10*time.Second {
		return fmt.Errorf("retry_interval %v is too short (minimum 10s)", c.RetryInterval)
	}
	if c.RetryInterval > time.Hour {
		return fmt.Errorf("retry_interval %v is too long (maximum 1h)", c.RetryInterval)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
