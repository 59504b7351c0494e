// Package config loads the sync engine configuration from a YAML file with
// MINDHARBOR_* environment overrides.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/backoff"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

// Config is the full engine configuration.
type Config struct {
	DataDir  string        `yaml:"data_dir"`
	Store    string        `yaml:"store"`
	DeviceID string        `yaml:"device_id"`
	LogLevel string        `yaml:"log_level"`
	Remote   RemoteConfig  `yaml:"remote"`
	Network  NetworkConfig `yaml:"network"`
	Sync     SyncConfig    `yaml:"sync"`
	Queue    QueueConfig   `yaml:"queue"`
	Backoff  BackoffConfig `yaml:"backoff"`
	// MasterKey is the hex encoded 32-byte key of the local crypto gateway.
	// It is only read from the environment.
	MasterKey string `yaml:"-"`
}

// RemoteConfig configures the remote persistence API.
type RemoteConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	SigningKey string        `yaml:"signing_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// NetworkConfig configures the connectivity probe.
type NetworkConfig struct {
	ProbeURL     string        `yaml:"probe_url"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// SyncConfig configures sync passes.
type SyncConfig struct {
	BatchSize            int           `yaml:"batch_size"`
	PriorityNormalCap    int           `yaml:"priority_normal_cap"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	RequestsPerSecond    float64       `yaml:"requests_per_second"`
	Burst                int           `yaml:"burst"`
	Interval             time.Duration `yaml:"interval"`
	ResolutionStrategy   string        `yaml:"resolution_strategy"`
}

// QueueConfig configures the offline queue.
type QueueConfig struct {
	QuotaBytes       int64 `yaml:"quota_bytes"`
	MaxRetries       int   `yaml:"max_retries"`
	CrisisMaxRetries int   `yaml:"crisis_max_retries"`
	RetentionDays    int   `yaml:"retention_days"`
}

// BackoffConfig configures retry delays.
type BackoffConfig struct {
	BaseDelay               time.Duration `yaml:"base_delay"`
	MaxDelay                time.Duration `yaml:"max_delay"`
	Factor                  float64       `yaml:"factor"`
	Jitter                  float64       `yaml:"jitter"`
	ServiceUnavailableFloor time.Duration `yaml:"service_unavailable_floor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	q := queue.DefaultConfig()
	b := backoff.DefaultConfig()
	return &Config{
		DataDir:  "./data",
		Store:    StoreSQLite,
		LogLevel: "info",
		Remote:   RemoteConfig{Timeout: 30 * time.Second},
		Network:  NetworkConfig{ProbeTimeout: 5 * time.Second},
		Sync: SyncConfig{
			BatchSize:            25,
			PriorityNormalCap:    50,
			CompressionThreshold: 4096,
			RequestsPerSecond:    5,
			Burst:                5,
			Interval:             5 * time.Minute,
			ResolutionStrategy:   string(models.StrategyLastWriteWins),
		},
		Queue: QueueConfig{
			QuotaBytes:       q.QuotaBytes,
			MaxRetries:       q.MaxRetries,
			CrisisMaxRetries: q.CrisisMaxRetries,
			RetentionDays:    q.RetentionDays,
		},
		Backoff: BackoffConfig{
			BaseDelay:               b.BaseDelay,
			MaxDelay:                b.MaxDelay,
			Factor:                  b.Factor,
			Jitter:                  b.Jitter,
			ServiceUnavailableFloor: b.ServiceUnavailableFloor,
		},
	}
}

// Load reads path (optional) over the defaults, applies the environment
// and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse config "+path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MINDHARBOR_DATA_DIR", &c.DataDir)
	str("MINDHARBOR_STORE", &c.Store)
	str("MINDHARBOR_DEVICE_ID", &c.DeviceID)
	str("MINDHARBOR_LOG_LEVEL", &c.LogLevel)
	str("MINDHARBOR_REMOTE_URL", &c.Remote.BaseURL)
	str("MINDHARBOR_REMOTE_API_KEY", &c.Remote.APIKey)
	str("MINDHARBOR_REMOTE_SIGNING_KEY", &c.Remote.SigningKey)
	str("MINDHARBOR_PROBE_URL", &c.Network.ProbeURL)
	str("MINDHARBOR_RESOLUTION_STRATEGY", &c.Sync.ResolutionStrategy)
	str("MINDHARBOR_MASTER_KEY", &c.MasterKey)

	if v, ok := lookup("MINDHARBOR_SYNC_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid MINDHARBOR_SYNC_INTERVAL, expected a duration like '5m'", err)
		}
		c.Sync.Interval = d
	}
	if v, ok := lookup("MINDHARBOR_SYNC_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid MINDHARBOR_SYNC_BATCH_SIZE", err)
		}
		c.Sync.BatchSize = n
	}
	if v, ok := lookup("MINDHARBOR_QUEUE_QUOTA_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid MINDHARBOR_QUEUE_QUOTA_BYTES", err)
		}
		c.Queue.QuotaBytes = n
	}
	return nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.Newf(apperrors.ErrInvalid, format, args...)
	}
	if c.DataDir == "" {
		return invalid("data_dir is required")
	}
	if c.Store != StoreSQLite && c.Store != StoreBadger {
		return invalid("store must be %q or %q, got %q", StoreSQLite, StoreBadger, c.Store)
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 500 {
		return invalid("sync.batch_size must be between 1 and 500")
	}
	if c.Sync.PriorityNormalCap < 0 {
		return invalid("sync.priority_normal_cap must not be negative")
	}
	if c.Sync.RequestsPerSecond <= 0 || c.Sync.Burst < 1 {
		return invalid("sync.requests_per_second and sync.burst must be positive")
	}
	if c.Sync.Interval < 10*time.Second {
		return invalid("sync.interval must be at least 10s")
	}
	switch models.ResolutionStrategy(c.Sync.ResolutionStrategy) {
	case models.StrategyLastWriteWins, models.StrategyMerge, models.StrategyUserChoice:
	default:
		return invalid("unknown sync.resolution_strategy %q", c.Sync.ResolutionStrategy)
	}
	if c.Queue.QuotaBytes <= 0 {
		return invalid("queue.quota_bytes must be positive")
	}
	if c.Queue.RetentionDays < 1 {
		return invalid("queue.retention_days must be at least 1")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return invalid("backoff.jitter must be in [0, 1)")
	}
	if c.MasterKey != "" {
		if _, err := c.MasterKeyBytes(); err != nil {
			return err
		}
	}
	return nil
}

// MasterKeyBytes decodes MasterKey.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterKey)
	if err != nil || len(key) != 32 {
		return nil, apperrors.New(apperrors.ErrInvalid, "MINDHARBOR_MASTER_KEY must be 64 hex characters")
	}
	return key, nil
}

// QueueConfig converts the queue section.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		QuotaBytes:       c.Queue.QuotaBytes,
		MaxRetries:       c.Queue.MaxRetries,
		CrisisMaxRetries: c.Queue.CrisisMaxRetries,
		RetentionDays:    c.Queue.RetentionDays,
	}
}

// BackoffConfig converts the backoff section.
func (c *Config) BackoffConfig() backoff.Config {
	return backoff.Config{
		BaseDelay:               c.Backoff.BaseDelay,
		MaxDelay:                c.Backoff.MaxDelay,
		Factor:                  c.Backoff.Factor,
		Jitter:                  c.Backoff.Jitter,
		ServiceUnavailableFloor: c.Backoff.ServiceUnavailableFloor,
	}
}
