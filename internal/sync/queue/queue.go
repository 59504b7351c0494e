// Package queue provides the durable offline queue: every local mutation is
// recorded here before any network attempt and stays until the server has
// acknowledged it.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/batch"
	"github.com/kimhsiao/mindharbor/backend/internal/uuid"
)

// Config holds queue limits.
type Config struct {
	// QuotaBytes bounds the encoded size of all items stored for a user.
	QuotaBytes int64
	// MaxRetries is the attempt budget before a failed item needs an
	// explicit RetryFailed.
	MaxRetries int
	// CrisisMaxRetries is the attempt budget for crisis events.
	CrisisMaxRetries int
	// RetentionDays is the default cleanup window.
	RetentionDays int
}

// DefaultConfig returns the production queue limits.
func DefaultConfig() Config {
	return Config{
		QuotaBytes:       50 * 1024 * 1024,
		MaxRetries:       3,
		CrisisMaxRetries: 8,
		RetentionDays:    30,
	}
}

// cleanupWarnRatio is the usage share at which StorageInfo asks for cleanup.
const cleanupWarnRatio = 0.8

// EnqueueRequest describes a new local mutation.
type EnqueueRequest struct {
	TempID        string
	UserID        string
	DeviceID      string
	ItemType      models.ItemType
	Payload       map[string]interface{}
	Priority      *models.Priority
	RecordID      string
	BaseUpdatedAt *time.Time
}

// Filter narrows DequeueBatch.
type Filter struct {
	// MinPriority excludes items below it. Crisis events always pass.
	MinPriority models.Priority
	// ItemTypes limits the drain to these types when non-empty.
	ItemTypes []models.ItemType
	// CrisisOnly limits the drain to crisis events.
	CrisisOnly bool
}

// Queue is the offline queue.
type Queue struct {
	store Store
	cfg   Config
	now   func() time.Time
	log   *logging.Logger

	mu  sync.Mutex
	seq int64
}

// New creates a Queue over store and restores the insertion sequence.
func New(ctx context.Context, store Store, cfg Config) (*Queue, error) {
	def := DefaultConfig()
	if cfg.QuotaBytes <= 0 {
		cfg.QuotaBytes = def.QuotaBytes
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.CrisisMaxRetries <= 0 {
		cfg.CrisisMaxRetries = def.CrisisMaxRetries
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	seq, err := store.MaxSeq(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "restore queue sequence", err)
	}
	return &Queue{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   logging.Get().With(map[string]interface{}{"component": "offline_queue"}),
		seq:   seq,
	}, nil
}

// SetClock replaces the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// RetryBudget returns the attempt budget for item.
func (q *Queue) RetryBudget(item *models.QueueItem) int {
	if item.IsCrisis() {
		return q.cfg.CrisisMaxRetries
	}
	return q.cfg.MaxRetries
}

// Enqueue validates and persists a new item with status pending.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueItem, error) {
	if req.UserID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "user id required")
	}
	if err := ValidatePayload(req.ItemType, req.Payload); err != nil {
		return nil, err
	}
	tempID, err := uuid.Ensure(req.TempID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid temp id", err)
	}

	size, err := batch.EncodedSize(req.Payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "payload is not encodable", err)
	}

	priority := models.DefaultPriority(req.ItemType)
	if req.Priority != nil {
		priority = *req.Priority
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	used, err := q.usage(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if used+int64(size) > q.cfg.QuotaBytes {
		return nil, apperrors.Newf(apperrors.ErrStorageQuota,
			"queue for user %s would use %d of %d bytes", req.UserID, used+int64(size), q.cfg.QuotaBytes)
	}

	now := q.now().UTC()
	q.seq++
	item := &models.QueueItem{
		TempID:        tempID,
		UserID:        req.UserID,
		DeviceID:      req.DeviceID,
		ItemType:      req.ItemType,
		Payload:       models.ClonePayload(req.Payload),
		Priority:      priority,
		SyncStatus:    models.StatusPending,
		QueuedAt:      now,
		UpdatedAt:     now,
		RecordID:      req.RecordID,
		BaseUpdatedAt: req.BaseUpdatedAt,
		Seq:           q.seq,
		SizeBytes:     int64(size),
	}
	if err := q.store.InsertItem(ctx, item); err != nil {
		q.seq--
		if apperrors.Is(err, apperrors.ErrDuplicate) {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "temp id already queued", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "persist queue item", err)
	}

	q.log.Info("Enqueued item", map[string]interface{}{
		"temp_id":   item.TempID,
		"item_type": item.ItemType,
		"priority":  item.Priority.String(),
	})
	return item.Clone(), nil
}

func (q *Queue) usage(ctx context.Context, userID string) (int64, error) {
	items, err := q.store.ListItems(ctx, userID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "list queue items", err)
	}
	var used int64
	for _, it := range items {
		used += it.SizeBytes
	}
	return used, nil
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, tempID string) (*models.QueueItem, error) {
	return q.store.GetItem(ctx, tempID)
}

// GetMany returns the items for tempIDs in the given order, skipping ids
// no longer in the store.
func (q *Queue) GetMany(ctx context.Context, tempIDs []string) ([]*models.QueueItem, error) {
	out := make([]*models.QueueItem, 0, len(tempIDs))
	for _, id := range tempIDs {
		item, err := q.store.GetItem(ctx, id)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// List returns every item of userID, optionally narrowed by status.
func (q *Queue) List(ctx context.Context, userID string, statuses ...models.SyncStatus) ([]*models.QueueItem, error) {
	return q.store.ListItems(ctx, userID, statuses...)
}

// SortForDrain orders items crisis first, then by priority descending, then
// by queue time and insertion order.
func SortForDrain(items []*models.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.IsCrisis() != b.IsCrisis() {
			return a.IsCrisis()
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.Seq < b.Seq
	})
}

// Eligible reports whether item may be uploaded now.
func (q *Queue) Eligible(item *models.QueueItem, now time.Time) bool {
	switch item.SyncStatus {
	case models.StatusPending:
		return true
	case models.StatusFailed:
		if item.Attempts >= q.RetryBudget(item) {
			return false
		}
		return item.NextRetryAt == nil || !item.NextRetryAt.After(now)
	default:
		return false
	}
}

func (f Filter) match(item *models.QueueItem) bool {
	if f.CrisisOnly && !item.IsCrisis() {
		return false
	}
	if !item.IsCrisis() && item.Priority < f.MinPriority {
		return false
	}
	if len(f.ItemTypes) > 0 {
		ok := false
		for _, t := range f.ItemTypes {
			if item.ItemType == t {
				ok = true
				break
			}
		}
		if !ok && !item.IsCrisis() {
			return false
		}
	}
	return true
}

// DequeueBatch returns up to maxItems eligible items in drain order. Items
// are not removed; they leave the queue only through MarkSynced.
func (q *Queue) DequeueBatch(ctx context.Context, userID string, maxItems int, filter Filter) ([]*models.QueueItem, error) {
	if maxItems <= 0 {
		return nil, nil
	}
	items, err := q.store.ListItems(ctx, userID, models.StatusPending, models.StatusFailed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list queue items", err)
	}
	now := q.now()
	ready := items[:0]
	for _, it := range items {
		if q.Eligible(it, now) && filter.match(it) {
			ready = append(ready, it)
		}
	}
	SortForDrain(ready)
	if len(ready) > maxItems {
		ready = ready[:maxItems]
	}
	return ready, nil
}

func (q *Queue) update(ctx context.Context, tempID string, fn func(item *models.QueueItem) error) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.store.GetItem(ctx, tempID)
	if err != nil {
		return nil, err
	}
	if err := fn(item); err != nil {
		return nil, err
	}
	item.UpdatedAt = q.now().UTC()
	if err := q.store.UpdateItem(ctx, item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "update queue item", err)
	}
	return item, nil
}

var errImmutable = apperrors.New(apperrors.ErrInvalid, "synced items are immutable")

// MarkSyncing flags items as in flight.
func (q *Queue) MarkSyncing(ctx context.Context, tempIDs []string) error {
	for _, id := range tempIDs {
		_, err := q.update(ctx, id, func(item *models.QueueItem) error {
			if item.SyncStatus == models.StatusSynced {
				return errImmutable
			}
			item.SyncStatus = models.StatusSyncing
			return nil
		})
		if err != nil && err != errImmutable {
			return err
		}
	}
	return nil
}

// MarkSynced records the server id for tempID and removes the item from the
// active queue. Repeating the call is a no-op; alreadySynced reports it.
func (q *Queue) MarkSynced(ctx context.Context, tempID, serverID string) (alreadySynced bool, err error) {
	if serverID == "" {
		return false, apperrors.New(apperrors.ErrInvalid, "server id required")
	}
	changed, err := q.store.MarkSynced(ctx, tempID, serverID, q.now().UTC())
	if err != nil {
		return false, err
	}
	if changed {
		q.log.Debug("Marked item synced", map[string]interface{}{"temp_id": tempID, "server_id": serverID})
	}
	return !changed, nil
}

// LookupServerID returns the server id tempID was mapped to, if any.
func (q *Queue) LookupServerID(ctx context.Context, tempID string) (string, bool, error) {
	return q.store.LookupServerID(ctx, tempID)
}

// MarkFailed records a failed attempt. nextRetryAt may be nil.
func (q *Queue) MarkFailed(ctx context.Context, tempID string, cause error, nextRetryAt *time.Time) (*models.QueueItem, error) {
	item, err := q.update(ctx, tempID, func(item *models.QueueItem) error {
		if item.SyncStatus == models.StatusSynced {
			return errImmutable
		}
		item.Attempts++
		item.SyncStatus = models.StatusFailed
		item.NextRetryAt = nextRetryAt
		if cause != nil {
			item.LastError = cause.Error()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.log.Warn("Queue item failed", map[string]interface{}{
		"temp_id":  tempID,
		"attempts": item.Attempts,
		"error":    item.LastError,
	})
	return item, nil
}

// MarkConflict parks an item until a user choice resolves it.
func (q *Queue) MarkConflict(ctx context.Context, tempID, reason string) error {
	_, err := q.update(ctx, tempID, func(item *models.QueueItem) error {
		if item.SyncStatus == models.StatusSynced {
			return errImmutable
		}
		item.SyncStatus = models.StatusConflict
		item.LastError = reason
		return nil
	})
	return err
}

// Quarantine removes an item from upload because its encrypted form failed
// verification. ref points at the stored evidence.
func (q *Queue) Quarantine(ctx context.Context, tempID, reason, ref string) error {
	_, err := q.update(ctx, tempID, func(item *models.QueueItem) error {
		if item.SyncStatus == models.StatusSynced {
			return errImmutable
		}
		item.SyncStatus = models.StatusQuarantined
		item.LastError = reason
		item.QuarantineRef = ref
		return nil
	})
	if err == nil {
		q.log.Error("Queue item quarantined", nil, map[string]interface{}{"temp_id": tempID, "reason": reason})
	}
	return err
}

// Requeue puts an item back to pending with a new payload and remote base,
// after a conflict was resolved in favour of (part of) the local version.
func (q *Queue) Requeue(ctx context.Context, tempID string, payload map[string]interface{}, base *time.Time) (*models.QueueItem, error) {
	return q.update(ctx, tempID, func(item *models.QueueItem) error {
		if item.SyncStatus == models.StatusSynced {
			return errImmutable
		}
		if payload != nil {
			size, err := batch.EncodedSize(payload)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrValidation, "payload is not encodable", err)
			}
			item.Payload = models.ClonePayload(payload)
			item.SizeBytes = int64(size)
		}
		if base != nil {
			b := *base
			item.BaseUpdatedAt = &b
		}
		item.SyncStatus = models.StatusPending
		item.NextRetryAt = nil
		item.LastError = ""
		return nil
	})
}

// ResetSyncing returns in-flight items of userID (every user when empty) to
// an eligible state after an abort or a crash.
func (q *Queue) ResetSyncing(ctx context.Context, userID string) (int, error) {
	items, err := q.store.ListItems(ctx, userID, models.StatusSyncing)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		_, err := q.update(ctx, it.TempID, func(item *models.QueueItem) error {
			if item.SyncStatus != models.StatusSyncing {
				return errImmutable
			}
			if item.Attempts > 0 {
				item.SyncStatus = models.StatusFailed
			} else {
				item.SyncStatus = models.StatusPending
			}
			return nil
		})
		if err == nil {
			n++
		} else if err != errImmutable {
			return n, err
		}
	}
	return n, nil
}

// RetryFailed makes every failed item of userID eligible again with a fresh
// attempt budget.
func (q *Queue) RetryFailed(ctx context.Context, userID string) (int, error) {
	items, err := q.store.ListItems(ctx, userID, models.StatusFailed)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		_, err := q.update(ctx, it.TempID, func(item *models.QueueItem) error {
			item.SyncStatus = models.StatusPending
			item.Attempts = 0
			item.NextRetryAt = nil
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	if len(items) > 0 {
		q.log.Info("Retrying failed items", map[string]interface{}{"user_id": userID, "count": len(items)})
	}
	return len(items), nil
}

// ReleaseConflicts returns conflict items of userID (every user when empty)
// to pending unless held reports that a choice for them is still waiting.
// The payload and base timestamp are kept, so the next upload meets the
// remote version again.
func (q *Queue) ReleaseConflicts(ctx context.Context, userID string, held func(tempID string) bool) (int, error) {
	items, err := q.store.ListItems(ctx, userID, models.StatusConflict)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if held != nil && held(it.TempID) {
			continue
		}
		_, err := q.update(ctx, it.TempID, func(item *models.QueueItem) error {
			if item.SyncStatus != models.StatusConflict {
				return errImmutable
			}
			item.SyncStatus = models.StatusPending
			item.NextRetryAt = nil
			item.LastError = ""
			return nil
		})
		if err == nil {
			n++
		} else if err != errImmutable {
			return n, err
		}
	}
	if n > 0 {
		q.log.Info("Released conflict items", map[string]interface{}{"user_id": userID, "count": n})
	}
	return n, nil
}

// TypeUsage is the per-type breakdown in StorageInfo.
type TypeUsage struct {
	Total       int   `json:"total"`
	Pending     int   `json:"pending"`
	Syncing     int   `json:"syncing"`
	Synced      int   `json:"synced"`
	Failed      int   `json:"failed"`
	Conflict    int   `json:"conflict"`
	Quarantined int   `json:"quarantined"`
	Bytes       int64 `json:"bytes"`
}

// StorageInfo reports queue usage for a user.
type StorageInfo struct {
	UsedBytes      int64                         `json:"used_bytes"`
	AvailableBytes int64                         `json:"available_bytes"`
	QuotaBytes     int64                         `json:"quota_bytes"`
	ByType         map[models.ItemType]TypeUsage `json:"by_type"`
	NeedsCleanup   bool                          `json:"needs_cleanup"`
}

// StorageInfo returns usage totals and a per-type breakdown.
func (q *Queue) StorageInfo(ctx context.Context, userID string) (*StorageInfo, error) {
	items, err := q.store.ListItems(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list queue items", err)
	}
	info := &StorageInfo{QuotaBytes: q.cfg.QuotaBytes, ByType: make(map[models.ItemType]TypeUsage)}
	for _, it := range items {
		u := info.ByType[it.ItemType]
		u.Total++
		u.Bytes += it.SizeBytes
		switch it.SyncStatus {
		case models.StatusPending:
			u.Pending++
		case models.StatusSyncing:
			u.Syncing++
		case models.StatusSynced:
			u.Synced++
		case models.StatusFailed:
			u.Failed++
		case models.StatusConflict:
			u.Conflict++
		case models.StatusQuarantined:
			u.Quarantined++
		}
		info.ByType[it.ItemType] = u
		info.UsedBytes += it.SizeBytes
	}
	info.AvailableBytes = q.cfg.QuotaBytes - info.UsedBytes
	if info.AvailableBytes < 0 {
		info.AvailableBytes = 0
	}
	info.NeedsCleanup = float64(info.UsedBytes) >= cleanupWarnRatio*float64(q.cfg.QuotaBytes)
	return info, nil
}

// CleanupTypeResult is the per-type breakdown in CleanupResult.
type CleanupTypeResult struct {
	Deleted    int   `json:"deleted"`
	FreedBytes int64 `json:"freed_bytes"`
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	DeletedItems int                                   `json:"deleted_items"`
	FreedSpace   int64                                 `json:"freed_space"`
	ByType       map[models.ItemType]CleanupTypeResult `json:"by_type"`
}

// Cleanup deletes synced and failed items of userID last touched more than
// olderThanDays ago. Failed crisis events are never deleted. A non-positive
// olderThanDays uses the configured retention.
func (q *Queue) Cleanup(ctx context.Context, userID string, olderThanDays int) (*CleanupResult, error) {
	if olderThanDays <= 0 {
		olderThanDays = q.cfg.RetentionDays
	}
	cutoff := q.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	items, err := q.store.ListItems(ctx, userID, models.StatusSynced, models.StatusFailed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list queue items", err)
	}

	res := &CleanupResult{ByType: make(map[models.ItemType]CleanupTypeResult)}
	var ids []string
	for _, it := range items {
		if it.SyncStatus == models.StatusFailed && it.IsCrisis() {
			continue
		}
		last := it.UpdatedAt
		if it.SyncedAt != nil {
			last = *it.SyncedAt
		}
		if !last.Before(cutoff) {
			continue
		}
		ids = append(ids, it.TempID)
		r := res.ByType[it.ItemType]
		r.Deleted++
		r.FreedBytes += it.SizeBytes
		res.ByType[it.ItemType] = r
		res.FreedSpace += it.SizeBytes
	}
	if len(ids) == 0 {
		return res, nil
	}

	q.mu.Lock()
	n, err := q.store.DeleteItems(ctx, ids)
	q.mu.Unlock()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "delete queue items", err)
	}
	res.DeletedItems = n

	q.log.Info("Cleaned up offline data", map[string]interface{}{
		"user_id":     userID,
		"deleted":     n,
		"freed_bytes": res.FreedSpace,
	})
	return res, nil
}
