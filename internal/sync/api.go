package sync

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/conflict"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
)

// QueueMoodEntry queues a mood entry.
func (c *Coordinator) QueueMoodEntry(ctx context.Context, userID string, payload map[string]interface{}) (*models.QueueItem, error) {
	return c.Enqueue(ctx, queue.EnqueueRequest{UserID: userID, ItemType: models.ItemMoodEntry, Payload: payload})
}

// QueueMessage queues a chat message.
func (c *Coordinator) QueueMessage(ctx context.Context, userID string, payload map[string]interface{}) (*models.QueueItem, error) {
	return c.Enqueue(ctx, queue.EnqueueRequest{UserID: userID, ItemType: models.ItemMessage, Payload: payload})
}

// QueueCrisisEvent queues a crisis event with critical priority.
func (c *Coordinator) QueueCrisisEvent(ctx context.Context, userID string, payload map[string]interface{}) (*models.QueueItem, error) {
	return c.Enqueue(ctx, queue.EnqueueRequest{UserID: userID, ItemType: models.ItemCrisisEvent, Payload: payload})
}

// Enqueue queues a local write. It never waits for a running pass; a write
// arriving during one is queued with immediate priority so the next pass
// takes it first. When the user's quota is full, old finished items are
// cleaned up and the write is tried once more.
func (c *Coordinator) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*models.QueueItem, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.cfg.DeviceID
	}
	if req.Priority == nil && req.ItemType != models.ItemCrisisEvent && c.IsSyncing(req.UserID) {
		p := models.PriorityImmediate
		req.Priority = &p
	}

	item, err := c.deps.Queue.Enqueue(ctx, req)
	if err == nil || !apperrors.Is(err, apperrors.ErrStorageQuota) {
		return item, err
	}

	c.log.Warn("Storage quota reached, cleaning up old items", map[string]interface{}{
		"user_id":        req.UserID,
		"retention_days": c.cfg.RetentionDays,
	})
	cleaned, cerr := c.CleanupOldOfflineData(ctx, req.UserID, c.cfg.RetentionDays)
	if cerr != nil {
		return nil, cerr
	}
	c.emitEvent(SyncEvent{
		Type:    SyncEventStorageCleanup,
		UserID:  req.UserID,
		Message: fmt.Sprintf("freed %d bytes from %d items", cleaned.FreedSpace, cleaned.DeletedItems),
	})
	return c.deps.Queue.Enqueue(ctx, req)
}

// GetStorageInfo reports queue usage of userID.
func (c *Coordinator) GetStorageInfo(ctx context.Context, userID string) (*queue.StorageInfo, error) {
	info, err := c.deps.Queue.StorageInfo(ctx, userID)
	if err != nil {
		return nil, err
	}
	depth := map[string]int{}
	for _, u := range info.ByType {
		depth[string(models.StatusPending)] += u.Pending
		depth[string(models.StatusSyncing)] += u.Syncing
		depth[string(models.StatusFailed)] += u.Failed
		depth[string(models.StatusConflict)] += u.Conflict
		depth[string(models.StatusQuarantined)] += u.Quarantined
	}
	c.deps.Metrics.QueueDepth(depth)
	return info, nil
}

// CleanupOldOfflineData deletes synced and failed items older than
// olderThanDays. A non-positive value uses the configured retention.
func (c *Coordinator) CleanupOldOfflineData(ctx context.Context, userID string, olderThanDays int) (*queue.CleanupResult, error) {
	if olderThanDays <= 0 {
		olderThanDays = c.cfg.RetentionDays
	}
	return c.deps.Queue.Cleanup(ctx, userID, olderThanDays)
}

// ReleaseOrphanedConflicts returns items parked for a user choice that this
// coordinator does not hold, as after a restart, to pending. Their next
// upload meets the remote version again and parks them anew. An empty
// userID covers every user.
func (c *Coordinator) ReleaseOrphanedConflicts(ctx context.Context, userID string) (int, error) {
	n, err := c.deps.Queue.ReleaseConflicts(ctx, userID, c.holdsConflict)
	if err != nil {
		return n, apperrors.Wrap(apperrors.ErrDatabase, "release conflict items", err)
	}
	return n, nil
}

func (c *Coordinator) holdsConflict(tempID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.conflicts {
		if p.tempID == tempID {
			return true
		}
	}
	return false
}

// GetConflictHistory returns the newest conflict records of userID first.
func (c *Coordinator) GetConflictHistory(ctx context.Context, userID string, limit int) ([]*models.Conflict, error) {
	return c.deps.Resolver.GetConflictHistory(ctx, userID, limit)
}

// PendingConflict returns the unresolved choice for conflictID.
func (c *Coordinator) PendingConflict(conflictID string) (*conflict.Resolution, bool) {
	return c.deps.Resolver.Pending(conflictID)
}

// ResolveUserChoice settles a parked conflict with choice ("local",
// "server" or "merge") and moves the parked item on: the server version
// completes it, any other choice queues the chosen data again.
func (c *Coordinator) ResolveUserChoice(ctx context.Context, conflictID, choice string) (*conflict.Resolution, error) {
	res, err := c.deps.Resolver.ResolveUserChoice(ctx, conflictID, choice)
	if err != nil {
		return nil, err
	}
	c.deps.Metrics.Conflict(string(models.StrategyUserChoice), string(res.Winner))

	c.mu.Lock()
	parked, ok := c.conflicts[conflictID]
	delete(c.conflicts, conflictID)
	c.mu.Unlock()
	if !ok {
		return res, nil
	}

	if res.Winner == models.WinnerServer {
		if _, err := c.deps.Queue.MarkSynced(ctx, parked.tempID, parked.recordID); err != nil {
			return nil, err
		}
		return res, nil
	}
	base := parked.remoteUpdate
	if _, err := c.deps.Queue.Requeue(ctx, parked.tempID, res.Data, &base); err != nil {
		return nil, err
	}
	return res, nil
}
