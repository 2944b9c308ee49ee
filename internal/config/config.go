// Package config provides unified configuration for all Keel services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeAPI       Mode = "api"
	ModeRetention Mode = "retention"
)

// Config holds the unified configuration for all Keel services.
type Config struct {
	// Mode specifies which services to run: all, api, retention
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Registry (ordering number reservation) configuration
	Registry RegistryConfig `json:"registry" yaml:"registry"`

	// Projection configuration
	Projection ProjectionConfig `json:"projection" yaml:"projection"`

	// Snapshot policy configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// Retention daemon configuration
	Retention RetentionConfig `json:"retention" yaml:"retention"`

	// Notify bus configuration
	Notify NotifyConfig `json:"notify" yaml:"notify"`

	// Storage configuration for snapshot archival
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// RegistryConfig bounds ordering number reservation retries.
type RegistryConfig struct {
	// MaxAttempts is the number of reservation tries before giving up (1-1000, default 10)
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseBackoff is the initial sleep after a lost reservation race
	BaseBackoff time.Duration `json:"base_backoff" yaml:"base_backoff"`

	// MaxBackoff caps the reservation backoff
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// ProjectionConfig holds projection worker configuration.
type ProjectionConfig struct {
	// Workers is the number of projection workers (entities are sharded across them)
	Workers int `json:"workers" yaml:"workers"`

	// QueueDepth is the per-worker event queue depth
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"`

	// CacheMaxEntries bounds the in-memory current state cache (0 disables)
	CacheMaxEntries int64 `json:"cache_max_entries" yaml:"cache_max_entries"`
}

// SnapshotConfig holds snapshot policy configuration.
type SnapshotConfig struct {
	// Cadence is the number of per-entity events between checkpoints (0 disables)
	Cadence int64 `json:"cadence" yaml:"cadence"`

	// KeepLast is the number of snapshots retained per entity (0 disables pruning)
	KeepLast int `json:"keep_last" yaml:"keep_last"`

	// ArchiveEnabled offloads pruned snapshots to object storage
	ArchiveEnabled bool `json:"archive_enabled" yaml:"archive_enabled"`

	// ArchivePrefix is the object key prefix for archived snapshots
	ArchivePrefix string `json:"archive_prefix" yaml:"archive_prefix"`
}

// RetentionConfig holds retention daemon configuration.
type RetentionConfig struct {
	// Enabled turns background history trimming on
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CheckInterval is the interval between trim cycles
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// MinRetainEvents is the newest window of a log that is never trimmed
	MinRetainEvents int64 `json:"min_retain_events" yaml:"min_retain_events"`
}

// NotifyConfig holds notification bus configuration.
type NotifyConfig struct {
	// BufferSize is the per-subscriber channel depth
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/keel",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Registry: RegistryConfig{
			MaxAttempts: 10,
			BaseBackoff: 2 * time.Millisecond,
			MaxBackoff:  100 * time.Millisecond,
		},
		Projection: ProjectionConfig{
			Workers:         4,
			QueueDepth:      256,
			CacheMaxEntries: 10000,
		},
		Snapshot: SnapshotConfig{
			Cadence:       20,
			KeepLast:      2,
			ArchivePrefix: "snapshots",
		},
		Retention: RetentionConfig{
			Enabled:         false,
			CheckInterval:   15 * time.Minute,
			MinRetainEvents: 1000,
		},
		Notify: NotifyConfig{
			BufferSize: 256,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/keel"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
}

// DatabasePath returns the path to the engine database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "keel.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeAPI, ModeRetention:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, api, or retention)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Registry.MaxAttempts < 1 || c.Registry.MaxAttempts > 1000 {
		return fmt.Errorf("registry.max_attempts must be between 1 and 1000, got %d", c.Registry.MaxAttempts)
	}

	if c.Projection.Workers < 1 {
		return fmt.Errorf("projection.workers must be at least 1, got %d", c.Projection.Workers)
	}

	if c.Snapshot.Cadence < 0 {
		return fmt.Errorf("snapshot.cadence must not be negative, got %d", c.Snapshot.Cadence)
	}

	return nil
}

// ShouldRunAPI returns true if the HTTP API should run.
func (c *Config) ShouldRunAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// ShouldRunRetention returns true if the retention daemon should run.
func (c *Config) ShouldRunRetention() bool {
	return c.Retention.Enabled && (c.Mode == ModeAll || c.Mode == ModeRetention)
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the KEEL_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("KEEL_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("KEEL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("KEEL_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Registry configuration
	if v := os.Getenv("KEEL_REGISTRY_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Registry.MaxAttempts)
	}

	// Projection configuration
	if v := os.Getenv("KEEL_PROJECTION_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Projection.Workers)
	}
	if v := os.Getenv("KEEL_PROJECTION_CACHE_MAX_ENTRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Projection.CacheMaxEntries)
	}

	// Snapshot configuration
	if v := os.Getenv("KEEL_SNAPSHOT_CADENCE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Snapshot.Cadence)
	}
	if v := os.Getenv("KEEL_SNAPSHOT_KEEP_LAST"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Snapshot.KeepLast)
	}
	if v := os.Getenv("KEEL_SNAPSHOT_ARCHIVE_ENABLED"); v != "" {
		cfg.Snapshot.ArchiveEnabled = v == "true" || v == "1"
	}

	// Retention configuration
	if v := os.Getenv("KEEL_RETENTION_ENABLED"); v != "" {
		cfg.Retention.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("KEEL_RETENTION_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.CheckInterval = d
		}
	}
	if v := os.Getenv("KEEL_RETENTION_MIN_RETAIN_EVENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Retention.MinRetainEvents)
	}

	// Storage configuration
	if v := os.Getenv("KEEL_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("KEEL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("KEEL_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("KEEL_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("KEEL_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
