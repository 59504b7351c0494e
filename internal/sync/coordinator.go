// Package sync implements the offline-first sync coordinator: it drains the
// offline queue by priority, uploads through the remote API, routes
// divergences to the conflict resolver and keeps resumable session state.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kimhsiao/mindharbor/backend/internal/crypto"
	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
	"github.com/kimhsiao/mindharbor/backend/internal/metrics"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/backoff"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/batch"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/conflict"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/network"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/remote"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/storage"
	"github.com/kimhsiao/mindharbor/backend/internal/uuid"
)

// Config holds coordinator settings.
type Config struct {
	DeviceID string
	// BatchSize is the number of items per upload batch.
	BatchSize int
	// MaxItemsPerPass bounds how many items one pass plans.
	MaxItemsPerPass int
	// PriorityNormalCap bounds normal and low priority items in a
	// priority_sync pass.
	PriorityNormalCap int
	// CompressionThreshold is the encoded record size from which bodies
	// are compressed.
	CompressionThreshold int
	// RequestsPerSecond and Burst limit remote calls.
	RequestsPerSecond float64
	Burst             int
	// UploadConcurrency bounds concurrent per-type uploads in a batch.
	UploadConcurrency int
	// ResolutionStrategy settles upload and delta conflicts.
	ResolutionStrategy models.ResolutionStrategy
	// RetentionDays is used by the quota cleanup on enqueue.
	RetentionDays int
}

// DefaultConfig returns the production coordinator settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:            batch.DefaultBatchSize,
		MaxItemsPerPass:      1000,
		PriorityNormalCap:    50,
		CompressionThreshold: batch.DefaultCompressionThreshold,
		RequestsPerSecond:    5,
		Burst:                5,
		UploadConcurrency:    4,
		ResolutionStrategy:   models.StrategyLastWriteWins,
		RetentionDays:        30,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxItemsPerPass <= 0 {
		c.MaxItemsPerPass = def.MaxItemsPerPass
	}
	if c.PriorityNormalCap < 0 {
		c.PriorityNormalCap = 0
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = def.RequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = def.UploadConcurrency
	}
	if !c.ResolutionStrategy.Valid() {
		c.ResolutionStrategy = def.ResolutionStrategy
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = def.RetentionDays
	}
	return c
}

// Deps are the collaborators of a Coordinator. Quarantine, Scheduler and
// Metrics are optional.
type Deps struct {
	Queue      *queue.Queue
	Remote     remote.Client
	Gateway    crypto.Gateway
	Monitor    network.Monitor
	Resolver   *conflict.Resolver
	Sessions   SessionStore
	Cursors    CursorStore
	Quarantine storage.Quarantine
	Scheduler  *backoff.Scheduler
	Metrics    *metrics.Recorder
}

// Coordinator runs sync passes. At most one pass per user is active.
type Coordinator struct {
	deps       Deps
	cfg        Config
	limiter    *rate.Limiter
	compressor *batch.Compressor
	log        *logging.Logger
	now        func() time.Time
	events     notifier

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	active    map[string]*activeSync
	conflicts map[string]*parkedConflict
}

type activeSync struct {
	session *models.SyncSession
	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}
}

// parkedConflict links a conflict awaiting user input to its queue item.
type parkedConflict struct {
	tempID       string
	recordID     string
	remoteUpdate time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Queue == nil || deps.Remote == nil || deps.Gateway == nil || deps.Monitor == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "queue, remote, gateway and monitor are required")
	}
	if deps.Sessions == nil || deps.Cursors == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "session and cursor stores are required")
	}
	if deps.Resolver == nil {
		deps.Resolver = conflict.NewResolver(nil, nil)
	}
	if deps.Scheduler == nil {
		deps.Scheduler = backoff.NewScheduler(backoff.NewPolicy(backoff.DefaultConfig()))
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		deps:       deps,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		compressor: batch.NewCompressor(cfg.CompressionThreshold),
		log:        logging.Get().With(map[string]interface{}{"component": "sync_coordinator", "device_id": cfg.DeviceID}),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*activeSync),
		conflicts:  make(map[string]*parkedConflict),
	}
	c.events.start()
	return c, nil
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Close cancels background passes and pending backoff waits, waits for them
// to finish and delivers the events they emitted. Events emitted after Close
// are dropped.
func (c *Coordinator) Close() {
	c.baseCancel()
	c.deps.Scheduler.CancelAll()
	c.wg.Wait()
	c.events.close()
}

// =====================================================
// Results
// =====================================================

// SyncedItem is an item the server acknowledged.
type SyncedItem struct {
	TempID   string `json:"temp_id"`
	ServerID string `json:"server_id"`
}

// ItemFailure is an item whose upload failed.
type ItemFailure struct {
	TempID    string `json:"temp_id"`
	ItemType  string `json:"item_type"`
	Code      string `json:"code"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
	Retryable bool   `json:"retryable"`
	// Exhausted is set once the item used its whole retry budget.
	Exhausted bool `json:"exhausted"`
	cause     error
}

// ConflictOutcome is a conflict met during upload or delta sync.
type ConflictOutcome struct {
	TempID     string               `json:"temp_id,omitempty"`
	RecordID   string               `json:"record_id"`
	ConflictID string               `json:"conflict_id"`
	Resolution *conflict.Resolution `json:"resolution"`
}

// QuarantinedItem is an item withheld because its encryption failed
// verification.
type QuarantinedItem struct {
	TempID string `json:"temp_id"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Ref    string `json:"ref,omitempty"`
}

// BatchOutcome partitions the outcomes of one SyncBatch call.
type BatchOutcome struct {
	Successful  []SyncedItem      `json:"successful"`
	Failed      []ItemFailure     `json:"failed"`
	Conflicts   []ConflictOutcome `json:"conflicts"`
	Quarantined []QuarantinedItem `json:"quarantined"`
	// Skipped lists items already mapped to a server id.
	Skipped []string `json:"skipped"`
}

func (o *BatchOutcome) merge(other *BatchOutcome) {
	o.Successful = append(o.Successful, other.Successful...)
	o.Failed = append(o.Failed, other.Failed...)
	o.Conflicts = append(o.Conflicts, other.Conflicts...)
	o.Quarantined = append(o.Quarantined, other.Quarantined...)
	o.Skipped = append(o.Skipped, other.Skipped...)
}

// Interruption describes a pass that lost connectivity.
type Interruption struct {
	Paused    bool `json:"paused"`
	CanResume bool `json:"can_resume"`
	// AtBatch is the zero-based batch a resume continues from.
	AtBatch int    `json:"at_batch"`
	Reason  string `json:"reason"`
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	SyncID       string               `json:"sync_id"`
	UserID       string               `json:"user_id"`
	Strategy     models.SyncStrategy  `json:"strategy"`
	Status       models.SessionStatus `json:"status"`
	TotalItems   int                  `json:"total_items"`
	TotalBatches int                  `json:"total_batches"`
	Progress     models.SyncProgress  `json:"progress"`
	BatchOutcome
	Interruption *Interruption `json:"interruption,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// =====================================================
// Session lifecycle
// =====================================================

// acquire reserves the single active slot of userID.
func (c *Coordinator) acquire(userID string, session *models.SyncSession, cancel context.CancelFunc) (*activeSync, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[userID]; busy {
		return nil, apperrors.Newf(apperrors.ErrSyncInProgress, "a sync pass is already running for %s", userID)
	}
	a := &activeSync{session: session, cancel: cancel, done: make(chan struct{})}
	c.active[userID] = a
	return a, nil
}

func (c *Coordinator) release(userID string, a *activeSync) {
	c.mu.Lock()
	if c.active[userID] == a {
		delete(c.active, userID)
	}
	c.mu.Unlock()
	close(a.done)
}

// IsSyncing reports whether a pass is running for userID.
func (c *Coordinator) IsSyncing(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[userID]
	return ok
}

// ActiveSession returns a copy of the running session of userID.
func (c *Coordinator) ActiveSession(userID string) (*models.SyncSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.active[userID]
	if !ok || a.session == nil {
		return nil, false
	}
	cp := *a.session
	return &cp, true
}

// checkStrategy reads connectivity and maps it to a strategy.
func (c *Coordinator) checkStrategy(ctx context.Context) (models.SyncStrategy, network.Status, error) {
	status, err := c.deps.Monitor.CheckNetworkStatus(ctx)
	if err != nil {
		return "", status, apperrors.Wrap(apperrors.ErrNetwork, "check network status", err)
	}
	strategy, ok := network.GetSyncStrategy(status)
	if !ok {
		return "", status, apperrors.New(apperrors.ErrOffline, "device is offline")
	}
	return strategy, status, nil
}

// StartSync runs a new sync pass for userID with the strategy the current
// connection allows.
func (c *Coordinator) StartSync(ctx context.Context, userID string) (*SyncResult, error) {
	a, runCtx, err := c.prepare(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.run(runCtx, a), nil
}

// prepare checks connectivity, plans the pass and persists its session.
func (c *Coordinator) prepare(ctx context.Context, userID string) (*activeSync, context.Context, error) {
	if userID == "" {
		return nil, nil, apperrors.New(apperrors.ErrValidation, "user id required")
	}
	strategy, status, err := c.checkStrategy(ctx)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a, err := c.acquire(userID, nil, cancel)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	items, err := c.planItems(runCtx, userID, strategy)
	if err != nil {
		c.release(userID, a)
		cancel()
		return nil, nil, err
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.TempID
	}
	batches := batch.Split(ids, c.cfg.BatchSize)
	now := c.now().UTC()
	session := &models.SyncSession{
		SyncID:       uuid.New(),
		UserID:       userID,
		DeviceID:     c.cfg.DeviceID,
		Strategy:     strategy,
		Status:       models.SessionRunning,
		StartedAt:    now,
		UpdatedAt:    now,
		Progress:     models.SyncProgress{Total: len(ids), TotalBatches: len(batches)},
		PendingItems: ids,
		Batches:      batches,
	}
	if err := c.deps.Sessions.SaveSession(runCtx, session); err != nil {
		c.release(userID, a)
		cancel()
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "save sync session", err)
	}
	c.mu.Lock()
	a.session = session
	c.mu.Unlock()

	c.log.Info("Sync pass started", map[string]interface{}{
		"sync_id":         session.SyncID,
		"strategy":        strategy,
		"connection_type": status.ConnectionType,
		"quality":         status.Quality,
		"items":           len(ids),
		"batches":         len(batches),
	})
	c.emitEvent(SyncEvent{Type: SyncEventStarted, UserID: userID, SyncID: session.SyncID})
	return a, runCtx, nil
}

// ResumeSync continues an interrupted or paused session from its current
// batch. Items already mapped to a server id are not sent again.
func (c *Coordinator) ResumeSync(ctx context.Context, session *models.SyncSession) (*SyncResult, error) {
	a, runCtx, err := c.prepareResume(ctx, session)
	if err != nil {
		return nil, err
	}
	return c.run(runCtx, a), nil
}

// ResumeLatest resumes the newest resumable session of userID.
func (c *Coordinator) ResumeLatest(ctx context.Context, userID string) (*SyncResult, error) {
	s, err := c.deps.Sessions.LatestSession(ctx, userID, c.cfg.DeviceID, models.SessionInterrupted, models.SessionPaused)
	if err != nil {
		return nil, err
	}
	return c.ResumeSync(ctx, s)
}

func (c *Coordinator) prepareResume(ctx context.Context, session *models.SyncSession) (*activeSync, context.Context, error) {
	if session == nil || session.SyncID == "" {
		return nil, nil, apperrors.New(apperrors.ErrInvalid, "session required")
	}
	stored, err := c.deps.Sessions.GetSession(ctx, session.SyncID)
	if err != nil {
		return nil, nil, err
	}
	if !stored.Status.Resumable() {
		return nil, nil, apperrors.Newf(apperrors.ErrInvalid, "session %s is %s and cannot be resumed", stored.SyncID, stored.Status)
	}
	strategy, _, err := c.checkStrategy(ctx)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a, err := c.acquire(stored.UserID, nil, cancel)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	stored.Status = models.SessionRunning
	stored.Strategy = strategy
	stored.LastError = ""
	stored.UpdatedAt = c.now().UTC()
	if err := c.deps.Sessions.SaveSession(runCtx, stored); err != nil {
		c.release(stored.UserID, a)
		cancel()
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "save sync session", err)
	}
	c.mu.Lock()
	a.session = stored
	c.mu.Unlock()

	c.log.Info("Sync pass resumed", map[string]interface{}{
		"sync_id":  stored.SyncID,
		"batch":    stored.Progress.CurrentBatch,
		"batches":  len(stored.Batches),
		"strategy": strategy,
	})
	c.emitEvent(SyncEvent{Type: SyncEventStarted, UserID: stored.UserID, SyncID: stored.SyncID, Message: "resumed"})
	return a, runCtx, nil
}

// AbortSync cancels the running pass of userID and waits for it to stop.
// Unsynced items stay in the queue and remain eligible.
func (c *Coordinator) AbortSync(ctx context.Context, userID string) error {
	c.mu.Lock()
	a, ok := c.active[userID]
	c.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "no sync pass running for %s", userID)
	}
	a.aborted.Store(true)
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes the planned batches of a.session from its current batch.
func (c *Coordinator) run(ctx context.Context, a *activeSync) *SyncResult {
	session := a.session
	userID := session.UserID
	defer c.release(userID, a)
	defer a.cancel()

	res := &SyncResult{
		SyncID:       session.SyncID,
		UserID:       userID,
		Strategy:     session.Strategy,
		TotalItems:   session.Progress.Total,
		TotalBatches: len(session.Batches),
		StartTime:    c.now().UTC(),
	}

	var runErr error
	for i := session.Progress.CurrentBatch; i < len(session.Batches); i++ {
		if ctx.Err() != nil {
			break
		}
		if reason, online := c.stillOnline(ctx); !online {
			res.Interruption = &Interruption{Paused: true, CanResume: true, AtBatch: i, Reason: reason}
			break
		}

		items, err := c.deps.Queue.GetMany(ctx, session.Batches[i])
		if err != nil {
			runErr = err
			break
		}
		items = filterForStrategy(items, session.Strategy)

		out, err := c.SyncBatch(ctx, userID, items)
		if out != nil {
			res.BatchOutcome.merge(out)
			session.Progress.Completed = c.countCompleted(ctx, session)
		}
		if err != nil {
			if ctx.Err() == nil {
				runErr = err
			}
			break
		}

		// a transient failure may mean the link dropped mid batch; the
		// batch is redone on resume and mapped items are skipped
		if hasTransient(out.Failed) {
			if reason, online := c.stillOnline(ctx); !online {
				res.Interruption = &Interruption{Paused: true, CanResume: true, AtBatch: i, Reason: reason}
				break
			}
		}

		session.Progress.CurrentBatch = i + 1
		session.PendingItems = remainingItems(session)
		session.UpdatedAt = c.now().UTC()
		if err := c.deps.Sessions.SaveSession(ctx, session); err != nil {
			runErr = apperrors.Wrap(apperrors.ErrDatabase, "save sync session", err)
			break
		}
	}

	// a deadline or shutdown stops the pass between or inside batches; only
	// AbortSync ends it for good
	if err := ctx.Err(); err != nil && !a.aborted.Load() && res.Interruption == nil &&
		session.Progress.CurrentBatch < len(session.Batches) {
		reason := "sync cancelled"
		if err == context.DeadlineExceeded {
			reason = "sync timed out"
		}
		res.Interruption = &Interruption{Paused: true, CanResume: true, AtBatch: session.Progress.CurrentBatch, Reason: reason}
		runErr = nil
	}

	c.finish(a, res, runErr)
	return res
}

// stillOnline re-reads connectivity between batches.
func (c *Coordinator) stillOnline(ctx context.Context) (string, bool) {
	status, err := c.deps.Monitor.CheckNetworkStatus(ctx)
	if err != nil {
		return err.Error(), false
	}
	if _, ok := network.GetSyncStrategy(status); !ok {
		return "connection lost", false
	}
	return "", true
}

// finish settles the session status and persists it.
func (c *Coordinator) finish(a *activeSync, res *SyncResult, runErr error) {
	session := a.session
	// the pass context may be cancelled; final bookkeeping still has to land
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	event := SyncEvent{UserID: session.UserID, SyncID: session.SyncID}
	switch {
	case a.aborted.Load() || (runErr == nil && res.Interruption == nil && session.Progress.CurrentBatch < len(session.Batches)):
		session.Status = models.SessionAborted
		session.LastError = "aborted"
		event.Type = SyncEventAborted
		if _, err := c.deps.Queue.ResetSyncing(ctx, session.UserID); err != nil {
			c.log.Error("Failed to reset in-flight items", err, map[string]interface{}{"sync_id": session.SyncID})
		}
	case runErr != nil:
		session.Status = models.SessionFailed
		session.LastError = runErr.Error()
		res.Error = runErr.Error()
		event.Type = SyncEventFailed
		event.Message = runErr.Error()
		if _, err := c.deps.Queue.ResetSyncing(ctx, session.UserID); err != nil {
			c.log.Error("Failed to reset in-flight items", err, map[string]interface{}{"sync_id": session.SyncID})
		}
	case res.Interruption != nil:
		session.Status = models.SessionInterrupted
		session.LastError = res.Interruption.Reason
		session.Progress.CurrentBatch = res.Interruption.AtBatch
		session.PendingItems = remainingItems(session)
		event.Type = SyncEventInterrupted
		event.Message = res.Interruption.Reason
		if _, err := c.deps.Queue.ResetSyncing(ctx, session.UserID); err != nil {
			c.log.Error("Failed to reset in-flight items", err, map[string]interface{}{"sync_id": session.SyncID})
		}
	default:
		session.Status = models.SessionCompleted
		session.PendingItems = nil
		event.Type = SyncEventCompleted
	}
	session.UpdatedAt = c.now().UTC()
	if err := c.deps.Sessions.SaveSession(ctx, session); err != nil {
		c.log.Error("Failed to persist sync session", err, map[string]interface{}{"sync_id": session.SyncID})
	}

	res.Status = session.Status
	res.Progress = session.Progress
	res.EndTime = c.now().UTC()
	res.Duration = res.EndTime.Sub(res.StartTime)
	c.deps.Metrics.Pass(string(res.Strategy), string(res.Status), res.Duration)

	c.log.Info("Sync pass finished", map[string]interface{}{
		"sync_id":     session.SyncID,
		"status":      session.Status,
		"successful":  len(res.Successful),
		"failed":      len(res.Failed),
		"conflicts":   len(res.Conflicts),
		"quarantined": len(res.Quarantined),
		"skipped":     len(res.Skipped),
		"batch":       session.Progress.CurrentBatch,
	})
	c.emitEvent(event)
	c.emitExhausted(session.UserID, session.SyncID, res.Failed)
}

// emitExhausted reports items that used their whole retry budget.
func (c *Coordinator) emitExhausted(userID, syncID string, failed []ItemFailure) {
	var ids []string
	for _, f := range failed {
		if f.Exhausted {
			ids = append(ids, f.TempID)
		}
	}
	if len(ids) == 0 {
		return
	}
	c.log.Warn("Items exhausted their retry budget", map[string]interface{}{
		"sync_id": syncID,
		"count":   len(ids),
	})
	c.emitEvent(SyncEvent{
		Type:    SyncEventRetriesExhausted,
		UserID:  userID,
		SyncID:  syncID,
		TempIDs: ids,
		Message: "items stay failed until retried",
	})
}

// countCompleted counts the session items mapped to a server id. Items of a
// batch redone on resume come back as skipped and still count once.
func (c *Coordinator) countCompleted(ctx context.Context, s *models.SyncSession) int {
	ctx = context.WithoutCancel(ctx)
	n := 0
	for _, ids := range s.Batches {
		for _, tempID := range ids {
			_, mapped, err := c.deps.Queue.LookupServerID(ctx, tempID)
			if err != nil {
				c.log.Error("Failed to count completed items", err, map[string]interface{}{"sync_id": s.SyncID})
				return s.Progress.Completed
			}
			if mapped {
				n++
			}
		}
	}
	return n
}

// remainingItems lists the items of batches not yet completed.
func remainingItems(s *models.SyncSession) []string {
	var out []string
	for i := s.Progress.CurrentBatch; i < len(s.Batches); i++ {
		out = append(out, s.Batches[i]...)
	}
	return out
}

func hasTransient(failed []ItemFailure) bool {
	for _, f := range failed {
		if f.Retryable {
			return true
		}
	}
	return false
}
