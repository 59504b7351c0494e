package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/conflict"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
)

// Engine is the sync surface exposed to the host app, the background
// scheduler and the mobile bridge. Coordinator implements it.
type Engine interface {
	// QueueMoodEntry, QueueMessage and QueueCrisisEvent persist a local
	// write and return immediately.
	QueueMoodEntry(ctx context.Context, userID string, payload map[string]interface{}) (*models.QueueItem, error)
	QueueMessage(ctx context.Context, userID string, payload map[string]interface{}) (*models.QueueItem, error)
	QueueCrisisEvent(ctx context.Context, userID string, payload map[string]interface{}) (*models.QueueItem, error)

	// StartSync runs a pass with the strategy the current connection
	// allows. Returns SYNC_IN_PROGRESS while another pass runs.
	StartSync(ctx context.Context, userID string) (*SyncResult, error)

	// ResumeSync continues an interrupted session from its current batch.
	ResumeSync(ctx context.Context, session *models.SyncSession) (*SyncResult, error)

	// AbortSync cancels the running pass of userID.
	AbortSync(ctx context.Context, userID string) error

	// HandleConnectionRestored resets failed items and syncs in the
	// background.
	HandleConnectionRestored(ctx context.Context, userID string) (*RestoreResult, error)

	// PerformDeltaSync pulls remote changes after since, or after the
	// stored cursor when since is nil.
	PerformDeltaSync(ctx context.Context, userID string, since *time.Time) (*DeltaResult, error)

	GetStorageInfo(ctx context.Context, userID string) (*queue.StorageInfo, error)
	CleanupOldOfflineData(ctx context.Context, userID string, olderThanDays int) (*queue.CleanupResult, error)
	GetConflictHistory(ctx context.Context, userID string, limit int) ([]*models.Conflict, error)
	ResolveUserChoice(ctx context.Context, conflictID, choice string) (*conflict.Resolution, error)

	// SetEventHandler sets the receiver of sync notifications.
	SetEventHandler(handler SyncEventHandler)
}

var _ Engine = (*Coordinator)(nil)
