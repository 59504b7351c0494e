package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

// TestDefault_valid verifies the built-in configuration validates.
func TestDefault_valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, cfg.Queue.QuotaBytes, cfg.QueueConfig().QuotaBytes)
	assert.Equal(t, cfg.Backoff.BaseDelay, cfg.BackoffConfig().BaseDelay)
}

// TestLoad_file verifies YAML values override defaults.
func TestLoad_file(t *testing.T) {
	p := writeConfig(t, `
data_dir: /var/lib/mindharbor
store: badger
remote:
  base_url: https://api.example.test
  timeout: 10s
sync:
  batch_size: 50
  interval: 2m
  resolution_strategy: merge
queue:
  retention_days: 7
`)
	cfg, err := LoadWithEnv(p, env(nil))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mindharbor", cfg.DataDir)
	assert.Equal(t, StoreBadger, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "merge", cfg.Sync.ResolutionStrategy)
	assert.Equal(t, 7, cfg.Queue.RetentionDays)
	// untouched sections keep their defaults
	assert.Equal(t, 5.0, cfg.Sync.RequestsPerSecond)
}

// TestLoad_unknownField verifies typos in the file are rejected.
func TestLoad_unknownField(t *testing.T) {
	p := writeConfig(t, "sync:\n  batchsize: 10\n")
	_, err := LoadWithEnv(p, env(nil))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// TestLoad_env verifies environment overrides win over the file.
func TestLoad_env(t *testing.T) {
	p := writeConfig(t, "sync:\n  batch_size: 50\n")
	cfg, err := LoadWithEnv(p, env(map[string]string{
		"MINDHARBOR_SYNC_BATCH_SIZE": "10",
		"MINDHARBOR_SYNC_INTERVAL":   "90s",
		"MINDHARBOR_DEVICE_ID":       "device-7",
		"MINDHARBOR_MASTER_KEY":      strings.Repeat("ab", 32),
	}))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "device-7", cfg.DeviceID)
	key, err := cfg.MasterKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

// TestLoad_invalid verifies validation failures.
func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad interval", map[string]string{"MINDHARBOR_SYNC_INTERVAL": "soon"}},
		{"short interval", map[string]string{"MINDHARBOR_SYNC_INTERVAL": "1s"}},
		{"bad batch", map[string]string{"MINDHARBOR_SYNC_BATCH_SIZE": "0"}},
		{"bad store", map[string]string{"MINDHARBOR_STORE": "postgres"}},
		{"bad strategy", map[string]string{"MINDHARBOR_RESOLUTION_STRATEGY": "coin_flip"}},
		{"short key", map[string]string{"MINDHARBOR_MASTER_KEY": "abcd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithEnv("", env(tt.env))
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "got %v", err)
		})
	}
}

// TestLoad_missingFile verifies a missing explicit file is an error.
func TestLoad_missingFile(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "nope.yaml"), env(nil))
	assert.Error(t, err)
}
