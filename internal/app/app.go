// Package app assembles the sync engine from a config: the offline store,
// the queue, the crypto gateway, the remote client and the coordinator.
// The CLI, the daemon and the mobile bridge all start from here.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kimhsiao/mindharbor/backend/internal/config"
	"github.com/kimhsiao/mindharbor/backend/internal/crypto"
	"github.com/kimhsiao/mindharbor/backend/internal/db"
	"github.com/kimhsiao/mindharbor/backend/internal/db/kv"
	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
	"github.com/kimhsiao/mindharbor/backend/internal/metrics"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	syncpkg "github.com/kimhsiao/mindharbor/backend/internal/sync"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/backoff"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/conflict"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/network"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/remote"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/storage"
	"github.com/kimhsiao/mindharbor/backend/internal/uuid"
)

const deviceIDFile = "device_id"

// App is an assembled engine.
type App struct {
	Config   *config.Config
	Engine   *syncpkg.Coordinator
	Queue    *queue.Queue
	Monitor  network.Monitor
	Metrics  *metrics.Recorder
	DeviceID string

	closers []func() error
}

// Option overrides a collaborator.
type Option func(*options)

type options struct {
	remote   remote.Client
	monitor  network.Monitor
	registry prometheus.Registerer
}

// WithRemote replaces the HTTP client built from the config.
func WithRemote(c remote.Client) Option {
	return func(o *options) { o.remote = c }
}

// WithMonitor replaces the probe monitor built from the config.
func WithMonitor(m network.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithRegistry registers the metrics with reg instead of the default
// registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// Open builds the engine described by cfg.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, fn := range opts {
		fn(o)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	deviceID, err := resolveDeviceID(cfg)
	if err != nil {
		return nil, err
	}
	a.DeviceID = deviceID

	st, err := a.openStore(cfg)
	if err != nil {
		return nil, err
	}

	q, err := queue.New(ctx, st, cfg.QueueConfig())
	if err != nil {
		return nil, err
	}
	a.Queue = q

	key, err := masterKey(cfg, deviceID)
	if err != nil {
		return nil, err
	}
	gateway, err := crypto.NewAESGateway(key)
	if err != nil {
		return nil, err
	}

	client := o.remote
	if client == nil {
		if cfg.Remote.BaseURL == "" {
			return nil, apperrors.New(apperrors.ErrInvalid, "remote.base_url is required")
		}
		client = remote.NewHTTPClient(&remote.HTTPConfig{
			BaseURL:    cfg.Remote.BaseURL,
			APIKey:     cfg.Remote.APIKey,
			SigningKey: cfg.Remote.SigningKey,
			Timeout:    cfg.Remote.Timeout,
		})
	}

	a.Monitor = o.monitor
	if a.Monitor == nil {
		probe := cfg.Network.ProbeURL
		if probe == "" {
			probe = strings.TrimRight(cfg.Remote.BaseURL, "/") + "/health"
		}
		a.Monitor = network.NewProbeMonitor(probe, cfg.Network.ProbeTimeout, network.DefaultThresholds())
	}

	if o.registry != nil {
		a.Metrics = metrics.New(o.registry)
	} else {
		a.Metrics = metrics.Default()
	}

	scfg := syncpkg.DefaultConfig()
	scfg.DeviceID = deviceID
	scfg.BatchSize = cfg.Sync.BatchSize
	scfg.PriorityNormalCap = cfg.Sync.PriorityNormalCap
	scfg.CompressionThreshold = cfg.Sync.CompressionThreshold
	scfg.RequestsPerSecond = cfg.Sync.RequestsPerSecond
	scfg.Burst = cfg.Sync.Burst
	scfg.ResolutionStrategy = models.ResolutionStrategy(cfg.Sync.ResolutionStrategy)
	scfg.RetentionDays = cfg.Queue.RetentionDays

	a.Engine, err = syncpkg.NewCoordinator(syncpkg.Deps{
		Queue:      q,
		Remote:     client,
		Gateway:    gateway,
		Monitor:    a.Monitor,
		Resolver:   conflict.NewResolver(st, nil),
		Sessions:   st,
		Cursors:    st,
		Quarantine: storage.NewDirStore(filepath.Join(cfg.DataDir, "quarantine")),
		Scheduler:  backoff.NewScheduler(backoff.NewPolicy(cfg.BackoffConfig())),
		Metrics:    a.Metrics,
	}, scfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		a.Engine.Close()
		return nil
	})

	// items left in flight or parked by a previous process become eligible
	// again
	if _, err := q.ResetSyncing(ctx, ""); err != nil {
		return nil, err
	}
	if _, err := a.Engine.ReleaseOrphanedConflicts(ctx, ""); err != nil {
		return nil, err
	}

	logging.Info("Sync engine opened", map[string]interface{}{
		"data_dir":  cfg.DataDir,
		"store":     cfg.Store,
		"device_id": deviceID,
	})
	ok = true
	return a, nil
}

func (a *App) openStore(cfg *config.Config) (db.OfflineStore, error) {
	switch cfg.Store {
	case config.StoreBadger:
		s, err := kv.Open(kv.DefaultConfig(filepath.Join(cfg.DataDir, "kv")))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "open badger store", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		database, err := db.OpenAndMigrate(cfg.DataDir)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "open sqlite store", err)
		}
		repo := db.NewRepository(database.DB)
		a.closers = append(a.closers, database.Close, repo.Close)
		return repo, nil
	}
}

// Close stops the engine and releases the store, newest first.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

// resolveDeviceID returns the configured device id, or a generated one
// persisted in the data directory.
func resolveDeviceID(cfg *config.Config) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	path := filepath.Join(cfg.DataDir, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); uuid.IsValid(id) {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id := uuid.New()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// masterKey prefers the configured key and falls back to the device key
// store.
func masterKey(cfg *config.Config, deviceID string) ([]byte, error) {
	if cfg.MasterKey != "" {
		return cfg.MasterKeyBytes()
	}
	key, err := crypto.NewKeyStore(cfg.DataDir).LoadOrCreate(deviceID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "load master key", err)
	}
	return key, nil
}
