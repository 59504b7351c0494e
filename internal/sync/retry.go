package sync

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/backoff"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
)

// RetryOptions tunes SyncWithRetry.
type RetryOptions struct {
	// MaxRetries is the number of retries after the first attempt. Crisis
	// events get at least the queue's crisis budget.
	MaxRetries int
	// BaseBackoff replaces the policy base delay when positive.
	BaseBackoff time.Duration
}

// RetryResult is the outcome of SyncWithRetry. Failed holds only the items
// that still failed after their last attempt.
type RetryResult struct {
	BatchOutcome
	Attempts int `json:"attempts"`
}

// SyncWithRetry uploads items and retries transient failures after a
// backoff wait. Waits end early on cancellation. Items that still fail stay
// failed in the queue and are reported with a retries_exhausted event.
func (c *Coordinator) SyncWithRetry(ctx context.Context, userID string, items []*models.QueueItem, opts RetryOptions) (*RetryResult, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = c.deps.Queue.Config().MaxRetries
	}
	policy := c.deps.Scheduler.Policy()
	if opts.BaseBackoff > 0 {
		cfg := policy.Config()
		cfg.BaseDelay = opts.BaseBackoff
		if cfg.MaxDelay < opts.BaseBackoff {
			cfg.MaxDelay = opts.BaseBackoff
		}
		policy = backoff.NewPolicy(cfg)
	}
	crisisRetries := opts.MaxRetries
	if n := c.deps.Queue.Config().CrisisMaxRetries; n > crisisRetries {
		crisisRetries = n
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a, err := c.acquire(userID, nil, cancel)
	if err != nil {
		return nil, err
	}
	defer c.release(userID, a)

	res := &RetryResult{}
	pending := items
	for attempt := 1; len(pending) > 0; attempt++ {
		res.Attempts = attempt
		out, err := c.SyncBatch(runCtx, userID, pending)
		if out != nil {
			res.Successful = append(res.Successful, out.Successful...)
			res.Conflicts = append(res.Conflicts, out.Conflicts...)
			res.Quarantined = append(res.Quarantined, out.Quarantined...)
			res.Skipped = append(res.Skipped, out.Skipped...)
		}
		if err != nil {
			c.resetAfter(userID)
			return res, err
		}

		var retryIDs []string
		var lastErr error
		for _, f := range out.Failed {
			budget := opts.MaxRetries
			if models.ItemType(f.ItemType) == models.ItemCrisisEvent {
				budget = crisisRetries
			}
			if f.Retryable && attempt <= budget {
				retryIDs = append(retryIDs, f.TempID)
				lastErr = f.cause
				continue
			}
			f.Exhausted = f.Retryable
			res.Failed = append(res.Failed, f)
		}
		if len(retryIDs) == 0 {
			break
		}

		d := policy.CalculateBackoffFor(attempt, lastErr)
		c.deps.Metrics.Backoff(d)
		c.log.Info("Retrying failed items", map[string]interface{}{
			"user_id": userID,
			"attempt": attempt,
			"items":   len(retryIDs),
			"delay":   d.String(),
		})
		if err := c.deps.Scheduler.Wait(runCtx, d); err != nil {
			c.resetAfter(userID)
			return res, err
		}
		if pending, err = c.deps.Queue.GetMany(runCtx, retryIDs); err != nil {
			return res, err
		}
	}

	c.emitExhausted(userID, "", res.Failed)
	return res, nil
}

// resetAfter returns in-flight items to an eligible state once a
// cancelled call has unwound.
func (c *Coordinator) resetAfter(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.deps.Queue.ResetSyncing(ctx, userID); err != nil {
		c.log.Error("Failed to reset in-flight items", err, map[string]interface{}{"user_id": userID})
	}
}

// RestoreResult describes what HandleConnectionRestored started.
type RestoreResult struct {
	Triggered   bool   `json:"triggered"`
	SyncID      string `json:"sync_id,omitempty"`
	ItemsToSync int    `json:"items_to_sync"`
	Resumed     bool   `json:"resumed"`
	// ResetItems is the number of failed and orphaned conflict items made
	// eligible again.
	ResetItems int `json:"reset_items"`
	// Done yields the pass result once it finishes. Nil when nothing was
	// triggered.
	Done <-chan *SyncResult `json:"-"`
}

// HandleConnectionRestored makes failed items eligible again and continues
// syncing in the background: an interrupted session is resumed, otherwise a
// new pass starts when items are pending.
func (c *Coordinator) HandleConnectionRestored(ctx context.Context, userID string) (*RestoreResult, error) {
	reset, err := c.deps.Queue.RetryFailed(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "reset failed items", err)
	}
	released, err := c.ReleaseOrphanedConflicts(ctx, userID)
	if err != nil {
		return nil, err
	}
	reset += released
	c.emitEvent(SyncEvent{Type: SyncEventConnectionRestored, UserID: userID})

	out := &RestoreResult{ResetItems: reset}
	if c.IsSyncing(userID) {
		return out, nil
	}

	var (
		a      *activeSync
		runCtx context.Context
	)
	session, err := c.deps.Sessions.LatestSession(ctx, userID, c.cfg.DeviceID, models.SessionInterrupted, models.SessionPaused)
	switch {
	case err == nil:
		a, runCtx, err = c.prepareResume(c.baseCtx, session)
		out.Resumed = true
	case apperrors.Is(err, apperrors.ErrNotFound):
		next, qerr := c.deps.Queue.DequeueBatch(ctx, userID, 1, queue.Filter{})
		if qerr != nil {
			return nil, qerr
		}
		if len(next) == 0 {
			return out, nil
		}
		a, runCtx, err = c.prepare(c.baseCtx, userID)
	default:
		return nil, err
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			out.Resumed = false
			return out, nil
		}
		return nil, err
	}

	out.Triggered = true
	out.SyncID = a.session.SyncID
	out.ItemsToSync = len(remainingItems(a.session))

	done := make(chan *SyncResult, 1)
	out.Done = done
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		done <- c.run(runCtx, a)
	}()
	c.log.Info("Connection restored, sync triggered", map[string]interface{}{
		"user_id":       userID,
		"sync_id":       out.SyncID,
		"items_to_sync": out.ItemsToSync,
		"resumed":       out.Resumed,
		"reset_items":   reset,
	})
	return out, nil
}
