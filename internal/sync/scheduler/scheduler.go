// Package scheduler runs sync passes in the background: periodically while
// online, immediately when connectivity comes back, and a retention cleanup
// of finished queue items.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	syncpkg "github.com/kimhsiao/mindharbor/backend/internal/sync"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/network"
)

// Scheduler manages background sync operations for a set of users.
type Scheduler struct {
	engine  syncpkg.Engine
	monitor network.Monitor
	users   []string

	syncInterval    time.Duration
	probeInterval   time.Duration
	cleanupInterval time.Duration
	retentionDays   int
	syncTimeout     time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastCleanup    time.Time
	syncInProgress bool
	lastErr        error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval    time.Duration // How often to sync when online (default: 15 minutes)
	ProbeInterval   time.Duration // How often to check connectivity (default: 30 seconds)
	CleanupInterval time.Duration // How often to drop old finished items (default: 24 hours)
	RetentionDays   int           // Age of finished items cleanup removes (default: 30)
	SyncTimeout     time.Duration // Upper bound of one pass (default: 5 minutes)
	UserIDs         []string
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:    15 * time.Minute,
		ProbeInterval:   30 * time.Second,
		CleanupInterval: 24 * time.Hour,
		RetentionDays:   30,
		SyncTimeout:     5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. Zero config fields take their
// defaults.
func NewScheduler(engine syncpkg.Engine, monitor network.Monitor, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}

	return &Scheduler{
		engine:          engine,
		monitor:         monitor,
		users:           append([]string(nil), cfg.UserIDs...),
		syncInterval:    cfg.SyncInterval,
		probeInterval:   cfg.ProbeInterval,
		cleanupInterval: cfg.CleanupInterval,
		retentionDays:   cfg.RetentionDays,
		syncTimeout:     cfg.SyncTimeout,
		stopCh:          make(chan struct{}),
	}
}

// Start starts the background loops. The connectivity state is probed once
// before they run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.probe(ctx)

	s.wg.Add(3)
	go s.periodicSyncLoop(ctx)
	go s.connectivityLoop(ctx)
	go s.cleanupLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"users":          len(s.users),
		"sync_interval":  s.syncInterval.String(),
		"probe_interval": s.probeInterval.String(),
	})
}

// Stop stops the background loops and waits for a running pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx)
		}
	}
}

// connectivityLoop probes the monitor and hands an offline to online
// transition to the engine.
func (s *Scheduler) connectivityLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.probe(ctx) {
				s.restore(ctx)
			}
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

// probe refreshes the online flag and reports whether the device just came
// back online.
func (s *Scheduler) probe(ctx context.Context) bool {
	status, err := s.monitor.CheckNetworkStatus(ctx)
	if err != nil {
		logging.Warn("Network status check failed", map[string]interface{}{"error": err.Error()})
		status = network.Offline
	}

	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = status.IsOnline
	s.mu.Unlock()

	if wasOnline != status.IsOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  status.IsOnline,
				"quality":    status.Quality,
			})
	}
	return !wasOnline && status.IsOnline
}

func (s *Scheduler) restore(ctx context.Context) {
	for _, userID := range s.users {
		res, err := s.engine.HandleConnectionRestored(ctx, userID)
		if err != nil {
			logging.ErrorWithCode("Connection restore handling failed", string(errors.CodeOf(err)), err,
				map[string]interface{}{"user_id": userID})
			continue
		}
		if !res.Triggered {
			continue
		}
		s.wg.Add(1)
		go func(userID string, done <-chan *syncpkg.SyncResult) {
			defer s.wg.Done()
			select {
			case result := <-done:
				s.recordResult(userID, result, nil)
			case <-s.stopCh:
			}
		}(userID, res.Done)
	}
}

// runSync starts one pass per user unless a pass is already running.
func (s *Scheduler) runSync(ctx context.Context) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	for _, userID := range s.users {
		syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
		result, err := s.engine.StartSync(syncCtx, userID)
		cancel()
		s.recordResult(userID, result, err)
	}
}

func (s *Scheduler) recordResult(userID string, result *syncpkg.SyncResult, err error) {
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrOffline), errors.Is(err, errors.ErrSyncInProgress):
			logging.Debug("Skipping sync", map[string]interface{}{"user_id": userID, "reason": err.Error()})
		default:
			logging.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
				map[string]interface{}{
					"user_id":          userID,
					"interval_minutes": s.syncInterval.Minutes(),
				})
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return
	}
	if result == nil {
		return
	}

	s.mu.Lock()
	if result.Status == models.SessionCompleted {
		s.lastSyncTime = time.Now()
		s.lastErr = nil
	}
	s.mu.Unlock()

	logging.Info("Periodic sync finished",
		map[string]interface{}{
			"user_id":    userID,
			"sync_id":    result.SyncID,
			"status":     result.Status,
			"successful": len(result.Successful),
			"failed":     len(result.Failed),
			"conflicts":  len(result.Conflicts),
		})
}

func (s *Scheduler) cleanup(ctx context.Context) {
	for _, userID := range s.users {
		res, err := s.engine.CleanupOldOfflineData(ctx, userID, s.retentionDays)
		if err != nil {
			logging.Error("Scheduled cleanup failed", err, map[string]interface{}{"user_id": userID})
			continue
		}
		if res.DeletedItems > 0 {
			logging.Info("Scheduled cleanup completed", map[string]interface{}{
				"user_id":     userID,
				"deleted":     res.DeletedItems,
				"freed_bytes": res.FreedSpace,
			})
		}
	}
	s.mu.Lock()
	s.lastCleanup = time.Now()
	s.mu.Unlock()
}

// TriggerSync starts a pass for every user in the background.
// Returns false if a pass is already in progress or the device is offline.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	busy := s.syncInProgress || !s.isOnline
	s.mu.RUnlock()

	if busy {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx)
	}()
	return true
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool       `json:"is_running"`
	IsOnline       bool       `json:"is_online"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	LastCleanup    *time.Time `json:"last_cleanup,omitempty"`
	SyncInProgress bool       `json:"sync_in_progress"`
	PendingItems   int        `json:"pending_items"`
	LastError      string     `json:"last_error,omitempty"`
}

// GetStatus returns the current status of the scheduler. PendingItems sums
// the pending and failed items of every user.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastCleanup.IsZero() {
		t := s.lastCleanup
		status.LastCleanup = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	for _, userID := range s.users {
		info, err := s.engine.GetStorageInfo(ctx, userID)
		if err != nil {
			continue
		}
		for _, u := range info.ByType {
			status.PendingItems += u.Pending + u.Failed
		}
	}
	return status
}

// SyncNow runs a pass for userID and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context, userID string) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.StartSync(syncCtx, userID)
	s.recordResult(userID, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// IsOnline reports the last probed connectivity.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
