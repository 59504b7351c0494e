package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/mindharbor/backend/internal/crypto"
	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/conflict"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/remote"
	"github.com/kimhsiao/mindharbor/backend/internal/uuid"
)

// DeltaResult is the outcome of PerformDeltaSync.
type DeltaResult struct {
	ChangedItems     []*remote.RemoteRecord `json:"changed_items"`
	NewSyncTimestamp time.Time              `json:"new_sync_timestamp"`
	ItemsSkipped     int                    `json:"items_skipped"`
	Conflicts        []ConflictOutcome      `json:"conflicts"`
	// FullSync is set when no cursor existed and every record was fetched.
	FullSync bool `json:"full_sync"`
}

// PerformDeltaSync pulls remote changes made after since, or after the
// stored cursor when since is nil. Records this device uploaded itself and
// records whose envelopes fail verification are skipped. A change to a
// record with a pending local edit is resolved like an upload conflict.
// The cursor moves to the server time of the fetch.
func (c *Coordinator) PerformDeltaSync(ctx context.Context, userID string, since *time.Time) (*DeltaResult, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "user id required")
	}
	if since == nil {
		cur, err := c.deps.Cursors.GetCursor(ctx, userID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "load sync cursor", err)
		}
		if cur != nil {
			t := cur.LastSyncTimestamp
			since = &t
		}
	}
	if _, _, err := c.checkStrategy(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cs, err := c.deps.Remote.FetchChanges(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	res := &DeltaResult{FullSync: since == nil, NewSyncTimestamp: cs.ServerTime}
	if res.NewSyncTimestamp.IsZero() {
		res.NewSyncTimestamp = c.now().UTC()
	}

	local, err := c.deps.Queue.List(ctx, userID, models.StatusPending, models.StatusFailed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list local edits", err)
	}
	byRecord := make(map[string]*models.QueueItem)
	for _, it := range local {
		if it.RecordID != "" {
			byRecord[it.RecordID] = it
		}
	}

	var applied BatchOutcome
	for _, rr := range cs.Records {
		if rr.TempID != "" {
			if _, mine, err := c.deps.Queue.LookupServerID(ctx, rr.TempID); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrDatabase, "lookup server id", err)
			} else if mine {
				res.ItemsSkipped++
				continue
			}
		}
		if field, ir := crypto.VerifyFields(c.deps.Gateway, rr.Encrypted); !ir.IsValid {
			res.ItemsSkipped++
			err := apperrors.Newf(apperrors.ErrEncryptionIntegrity, "remote record %s field %s: %s", rr.ID, field, ir.Reason)
			c.recordError(rr.ID, "delta", string(apperrors.ErrEncryptionIntegrity), err)
			c.log.Warn("Skipping remote record with invalid envelope", map[string]interface{}{
				"record_id": rr.ID,
				"field":     field,
				"reason":    ir.Reason,
			})
			continue
		}
		res.ChangedItems = append(res.ChangedItems, rr)

		it, edited := byRecord[rr.ID]
		if !edited {
			continue
		}
		if err := c.reconcile(ctx, userID, it, rr, &applied); err != nil {
			return nil, err
		}
	}
	res.Conflicts = applied.Conflicts

	if err := c.deps.Cursors.SaveCursor(ctx, &models.SyncCursor{
		UserID:            userID,
		LastSyncTimestamp: res.NewSyncTimestamp,
		SyncID:            uuid.New(),
	}); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "save sync cursor", err)
	}

	c.log.Info("Delta sync completed", map[string]interface{}{
		"user_id":   userID,
		"changed":   len(res.ChangedItems),
		"skipped":   res.ItemsSkipped,
		"conflicts": len(res.Conflicts),
		"full_sync": res.FullSync,
	})
	c.emitEvent(SyncEvent{Type: SyncEventDeltaSyncCompleted, UserID: userID})
	return res, nil
}

// reconcile checks a remote change against the pending local edit it of
// the same record.
func (c *Coordinator) reconcile(ctx context.Context, userID string, it *models.QueueItem, rr *remote.RemoteRecord, out *BatchOutcome) error {
	remoteData, err := crypto.DecryptFields(ctx, c.deps.Gateway, userID, rr.ItemType, rr.TempID, rr.Data, rr.Encrypted)
	if err != nil {
		c.recordError(it.TempID, "delta", string(apperrors.CodeOf(err)), err)
		return nil
	}
	cf, found := c.deps.Resolver.DetectConflict(userID, it.BaseUpdatedAt,
		&conflict.Version{ID: rr.ID, ItemType: it.ItemType, Data: it.Payload, UpdatedAt: it.QueuedAt},
		&conflict.Version{ID: rr.ID, ItemType: rr.ItemType, Data: remoteData, UpdatedAt: rr.UpdatedAt})
	if !found {
		return nil
	}
	resolution, err := c.deps.Resolver.ResolveConflict(ctx, cf, c.cfg.ResolutionStrategy)
	if err != nil {
		return err
	}
	c.applyResolution(ctx, out, it, rr, resolution)
	return nil
}
