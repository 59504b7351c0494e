package sync

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/mindharbor/backend/internal/crypto"
	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/conflict"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/remote"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/storage"
)

// prepared is a queue item ready for upload.
type prepared struct {
	item   *models.QueueItem
	record remote.Record
}

type uploadResult struct {
	res *remote.UpsertResult
	err error
}

// SyncBatch uploads items and applies every per-item outcome to the queue.
// Items already mapped to a server id are skipped. Sensitive fields leave
// the device only as verified envelopes; an item whose envelope fails
// verification is quarantined. A returned error means the pass was
// cancelled or the queue could not be updated; item failures are reported
// in the outcome.
func (c *Coordinator) SyncBatch(ctx context.Context, userID string, items []*models.QueueItem) (*BatchOutcome, error) {
	out := &BatchOutcome{}
	if len(items) == 0 {
		return out, nil
	}

	send := make([]*models.QueueItem, 0, len(items))
	for _, it := range items {
		serverID, mapped, err := c.deps.Queue.LookupServerID(ctx, it.TempID)
		if err != nil {
			return out, apperrors.Wrap(apperrors.ErrDatabase, "lookup server id", err)
		}
		if mapped {
			if _, err := c.deps.Queue.MarkSynced(ctx, it.TempID, serverID); err != nil {
				return out, err
			}
			out.Skipped = append(out.Skipped, it.TempID)
			continue
		}
		if it.SyncStatus == models.StatusQuarantined || it.SyncStatus == models.StatusConflict {
			continue
		}
		send = append(send, it)
	}
	if len(send) == 0 {
		return out, nil
	}

	ids := make([]string, len(send))
	for i, it := range send {
		ids[i] = it.TempID
	}
	if err := c.deps.Queue.MarkSyncing(ctx, ids); err != nil {
		return out, apperrors.Wrap(apperrors.ErrDatabase, "mark items syncing", err)
	}

	ready := make(map[string]*prepared, len(send))
	byType := make(map[models.ItemType][]*models.QueueItem)
	for _, it := range send {
		if p, ok := c.prepareItem(ctx, userID, it, out); ok {
			ready[it.TempID] = p
			byType[it.ItemType] = append(byType[it.ItemType], it)
		}
	}
	groups := DetermineSyncPriority(byType)

	results := make([]map[string]uploadResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.UploadConcurrency)
	for i, group := range groups {
		records := make([]remote.Record, 0, len(group.Items))
		for _, it := range group.Items {
			records = append(records, ready[it.TempID].record)
		}
		g.Go(func() error {
			res, err := c.upload(gctx, userID, group.ItemType, records)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}

	for i, group := range groups {
		for _, it := range group.Items {
			ur := results[i][it.TempID]
			switch {
			case ur.err != nil:
				c.fail(ctx, out, it, ur.err)
			case ur.res.Status == remote.StatusOK:
				c.markSynced(ctx, out, it, ur.res.ServerID)
			case ur.res.Status == remote.StatusConflict:
				c.resolveUploadConflict(ctx, userID, out, it, ur.res.Remote)
			default:
				code := apperrors.ErrorCode(ur.res.Code)
				if code == "" {
					code = apperrors.ErrSyncFailed
				}
				c.fail(ctx, out, it, apperrors.New(code, ur.res.Error))
			}
		}
	}
	return out, nil
}

// prepareItem encrypts and verifies the sensitive fields of it and builds its
// upload record.
func (c *Coordinator) prepareItem(ctx context.Context, userID string, it *models.QueueItem, out *BatchOutcome) (*prepared, bool) {
	plain, enc, err := crypto.EncryptFields(ctx, c.deps.Gateway, userID, it.ItemType, it.TempID, it.Payload)
	if err != nil {
		c.fail(ctx, out, it, apperrors.Wrap(apperrors.ErrCryptoFailed, "encrypt sensitive fields", err))
		return nil, false
	}
	if field, res := crypto.VerifyFields(c.deps.Gateway, enc); !res.IsValid {
		c.quarantine(ctx, out, it, field, res.Reason, plain, enc)
		return nil, false
	}

	rec := remote.Record{
		TempID:        it.TempID,
		RecordID:      it.RecordID,
		ItemType:      it.ItemType,
		UserID:        userID,
		DeviceID:      it.DeviceID,
		UpdatedAt:     it.QueuedAt,
		BaseUpdatedAt: it.BaseUpdatedAt,
	}
	cr, err := c.compressor.CompressForSync(remote.Body{Data: plain, Encrypted: enc})
	if err != nil {
		c.fail(ctx, out, it, apperrors.Wrap(apperrors.ErrInternal, "encode record", err))
		return nil, false
	}
	if cr.Compressed {
		rec.Blob = cr.Data
		rec.Encoding = cr.Encoding
	} else {
		rec.Data = plain
		rec.Encrypted = enc
	}
	c.deps.Metrics.RecordSize(cr.Encoding, cr.CompressedSize)
	return &prepared{item: it, record: rec}, true
}

// upload sends records of one type. A multi-record call rejected for a
// non-transient reason is retried one record at a time so one bad record
// cannot fail its siblings. Only cancellation is returned as an error.
func (c *Coordinator) upload(ctx context.Context, userID string, t models.ItemType, records []remote.Record) (map[string]uploadResult, error) {
	out := make(map[string]uploadResult, len(records))
	results, err := c.upsert(ctx, userID, t, records)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if len(records) > 1 && !apperrors.IsTransient(err) {
			c.log.Warn("Batch rejected, retrying records one by one", map[string]interface{}{
				"item_type": t,
				"records":   len(records),
				"error":     err.Error(),
			})
			for _, r := range records {
				single, err := c.upsert(ctx, userID, t, []remote.Record{r})
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				out[r.TempID] = firstResult(r.TempID, single, err)
			}
			return out, nil
		}
		for _, r := range records {
			out[r.TempID] = uploadResult{err: err}
		}
		return out, nil
	}

	for i := range results {
		out[results[i].TempID] = uploadResult{res: &results[i]}
	}
	for _, r := range records {
		if _, ok := out[r.TempID]; !ok {
			out[r.TempID] = uploadResult{err: apperrors.Newf(apperrors.ErrSyncFailed, "no result for %s", r.TempID)}
		}
	}
	return out, nil
}

func (c *Coordinator) upsert(ctx context.Context, userID string, t models.ItemType, records []remote.Record) ([]remote.UpsertResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.deps.Remote.Upsert(ctx, userID, t, records)
}

func firstResult(tempID string, results []remote.UpsertResult, err error) uploadResult {
	if err != nil {
		return uploadResult{err: err}
	}
	for i := range results {
		if results[i].TempID == tempID {
			return uploadResult{res: &results[i]}
		}
	}
	return uploadResult{err: apperrors.Newf(apperrors.ErrSyncFailed, "no result for %s", tempID)}
}

// =====================================================
// Outcomes
// =====================================================

func (c *Coordinator) markSynced(ctx context.Context, out *BatchOutcome, it *models.QueueItem, serverID string) {
	if _, err := c.deps.Queue.MarkSynced(ctx, it.TempID, serverID); err != nil {
		c.fail(ctx, out, it, err)
		return
	}
	out.Successful = append(out.Successful, SyncedItem{TempID: it.TempID, ServerID: serverID})
	c.deps.Metrics.Item(string(it.ItemType), "synced")
}

// fail records a failed attempt. Transient failures get a backoff delay
// before the item is eligible again.
func (c *Coordinator) fail(ctx context.Context, out *BatchOutcome, it *models.QueueItem, cause error) {
	retryable := apperrors.IsTransient(cause)
	var next *time.Time
	if retryable {
		d := c.deps.Scheduler.Policy().CalculateBackoffFor(it.Attempts+1, cause)
		t := c.now().UTC().Add(d)
		next = &t
		c.deps.Metrics.Backoff(d)
	}

	attempts := it.Attempts + 1
	if updated, err := c.deps.Queue.MarkFailed(ctx, it.TempID, cause, next); err != nil {
		c.log.Error("Failed to record item failure", err, map[string]interface{}{"temp_id": it.TempID})
	} else {
		attempts = updated.Attempts
	}

	code := string(apperrors.CodeOf(cause))
	budget := c.deps.Queue.RetryBudget(it)
	out.Failed = append(out.Failed, ItemFailure{
		TempID:    it.TempID,
		ItemType:  string(it.ItemType),
		Code:      code,
		Error:     cause.Error(),
		Attempts:  attempts,
		Retryable: retryable,
		Exhausted: attempts >= budget,
		cause:     cause,
	})
	c.recordError(it.TempID, "upload", code, cause)
	c.deps.Metrics.Item(string(it.ItemType), "failed")

	if it.IsCrisis() {
		c.log.ErrorWithCode("Crisis event failed to sync", code, cause, map[string]interface{}{
			"temp_id":  it.TempID,
			"attempts": attempts,
		})
		c.emitEvent(SyncEvent{
			Type:    SyncEventCrisisSyncFailed,
			UserID:  it.UserID,
			TempIDs: []string{it.TempID},
			Message: cause.Error(),
		})
	}
}

// quarantine withholds an item whose envelope failed verification and keeps
// the sealed evidence.
func (c *Coordinator) quarantine(ctx context.Context, out *BatchOutcome, it *models.QueueItem, field, reason string, plain map[string]interface{}, enc map[string]*models.EncryptedPayload) {
	var ref string
	if c.deps.Quarantine != nil {
		r, err := c.deps.Quarantine.Put(ctx, &storage.Evidence{
			TempID:        it.TempID,
			UserID:        it.UserID,
			ItemType:      it.ItemType,
			Field:         field,
			Reason:        reason,
			Plain:         plain,
			Encrypted:     enc,
			QuarantinedAt: c.now().UTC(),
		})
		if err != nil {
			c.log.Error("Failed to store quarantine evidence", err, map[string]interface{}{"temp_id": it.TempID})
		}
		ref = r
	}
	msg := "encryption integrity check failed on " + field + ": " + reason
	if err := c.deps.Queue.Quarantine(ctx, it.TempID, msg, ref); err != nil {
		c.log.Error("Failed to quarantine item", err, map[string]interface{}{"temp_id": it.TempID})
	}

	out.Quarantined = append(out.Quarantined, QuarantinedItem{TempID: it.TempID, Field: field, Reason: reason, Ref: ref})
	c.recordError(it.TempID, "encrypt", string(apperrors.ErrEncryptionIntegrity), apperrors.New(apperrors.ErrEncryptionIntegrity, msg))
	c.deps.Metrics.Item(string(it.ItemType), "quarantined")
	c.emitEvent(SyncEvent{
		Type:    SyncEventItemQuarantined,
		UserID:  it.UserID,
		TempIDs: []string{it.TempID},
		Message: msg,
	})
}

// resolveUploadConflict settles a server-side conflict for it against the
// current remote version.
func (c *Coordinator) resolveUploadConflict(ctx context.Context, userID string, out *BatchOutcome, it *models.QueueItem, rr *remote.RemoteRecord) {
	if rr == nil {
		c.fail(ctx, out, it, apperrors.Newf(apperrors.ErrSyncConflict, "conflict on %s without remote version", it.TempID))
		return
	}
	res, err := c.resolveAgainst(ctx, userID, it, rr, c.cfg.ResolutionStrategy)
	if err != nil {
		c.fail(ctx, out, it, err)
		return
	}
	c.applyResolution(ctx, out, it, rr, res)
}

// resolveAgainst resolves the local payload of it against rr. Sealed remote
// fields are opened in memory only.
func (c *Coordinator) resolveAgainst(ctx context.Context, userID string, it *models.QueueItem, rr *remote.RemoteRecord, strategy models.ResolutionStrategy) (*conflict.Resolution, error) {
	id := it.RecordID
	if id == "" {
		id = rr.ID
	}
	if len(rr.Encrypted) == 0 {
		return c.deps.Resolver.ResolveConflict(ctx, &conflict.Conflict{
			UserID:     userID,
			ItemID:     id,
			ItemType:   it.ItemType,
			Local:      &conflict.Version{ID: id, ItemType: it.ItemType, Data: it.Payload, UpdatedAt: it.QueuedAt},
			Remote:     &conflict.Version{ID: rr.ID, ItemType: rr.ItemType, Data: rr.Data, UpdatedAt: rr.UpdatedAt},
			DetectedAt: c.now().UTC(),
		}, strategy)
	}

	ec, err := c.deps.Resolver.ResolveEncryptedConflict(ctx, c.deps.Gateway,
		&conflict.EncryptedVersion{ID: id, TempID: it.TempID, ItemType: it.ItemType, Plain: it.Payload, UpdatedAt: it.QueuedAt},
		&conflict.EncryptedVersion{ID: rr.ID, TempID: rr.TempID, ItemType: rr.ItemType, Plain: rr.Data, Encrypted: rr.Encrypted, UpdatedAt: rr.UpdatedAt},
		userID)
	if err != nil {
		return nil, err
	}
	return c.deps.Resolver.ResolveDecrypted(ctx, c.deps.Gateway, ec, strategy)
}

// applyResolution moves it according to res: the server version completes
// the item, a local or merged version is queued again against the new
// remote base, and a pending choice parks the item.
func (c *Coordinator) applyResolution(ctx context.Context, out *BatchOutcome, it *models.QueueItem, rr *remote.RemoteRecord, res *conflict.Resolution) {
	out.Conflicts = append(out.Conflicts, ConflictOutcome{
		TempID:     it.TempID,
		RecordID:   rr.ID,
		ConflictID: res.ConflictID,
		Resolution: res,
	})
	c.deps.Metrics.Conflict(string(res.Strategy), string(res.Winner))

	switch {
	case res.RequiresUserInput:
		// held before the status flips, see ReleaseOrphanedConflicts
		c.mu.Lock()
		c.conflicts[res.ConflictID] = &parkedConflict{tempID: it.TempID, recordID: rr.ID, remoteUpdate: rr.UpdatedAt}
		c.mu.Unlock()
		if err := c.deps.Queue.MarkConflict(ctx, it.TempID, "waiting for user choice on "+res.ConflictID); err != nil {
			c.log.Error("Failed to park conflicting item", err, map[string]interface{}{"temp_id": it.TempID})
		}
		c.emitEvent(SyncEvent{
			Type:       SyncEventConflictNeedsInput,
			UserID:     it.UserID,
			TempIDs:    []string{it.TempID},
			ConflictID: res.ConflictID,
			Message:    "conflicting fields need a user choice",
		})
	case res.Winner == models.WinnerServer:
		if _, err := c.deps.Queue.MarkSynced(ctx, it.TempID, rr.ID); err != nil {
			c.log.Error("Failed to complete item after conflict", err, map[string]interface{}{"temp_id": it.TempID})
		}
		c.deps.Metrics.Item(string(it.ItemType), "superseded")
	default:
		base := rr.UpdatedAt
		if _, err := c.deps.Queue.Requeue(ctx, it.TempID, res.Data, &base); err != nil {
			c.log.Error("Failed to requeue resolved item", err, map[string]interface{}{"temp_id": it.TempID})
		}
	}
}
