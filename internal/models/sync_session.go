package models

import "time"

// SyncStrategy selects which queue items a pass uploads.
type SyncStrategy string

const (
	StrategyFullSync     SyncStrategy = "full_sync"
	StrategyPrioritySync SyncStrategy = "priority_sync"
	StrategyCriticalOnly SyncStrategy = "critical_only"
)

// SessionStatus is the state of a sync session.
type SessionStatus string

const (
	SessionRunning     SessionStatus = "running"
	SessionPaused      SessionStatus = "paused"
	SessionInterrupted SessionStatus = "interrupted"
	SessionCompleted   SessionStatus = "completed"
	SessionAborted     SessionStatus = "aborted"
	SessionFailed      SessionStatus = "failed"
)

// Resumable reports whether a session in this state can be resumed.
func (s SessionStatus) Resumable() bool {
	return s == SessionInterrupted || s == SessionPaused
}

// SyncProgress tracks how far a session got. CurrentBatch is the zero-based
// index of the next batch to upload.
type SyncProgress struct {
	Completed    int `json:"completed" msgpack:"completed"`
	Total        int `json:"total" msgpack:"total"`
	CurrentBatch int `json:"current_batch" msgpack:"current_batch"`
	TotalBatches int `json:"total_batches" msgpack:"total_batches"`
}

// SyncSession is one attempt to drain the queue for a user/device.
type SyncSession struct {
	SyncID       string        `json:"sync_id" msgpack:"sync_id"`
	UserID       string        `json:"user_id" msgpack:"user_id"`
	DeviceID     string        `json:"device_id" msgpack:"device_id"`
	Strategy     SyncStrategy  `json:"strategy" msgpack:"strategy"`
	Status       SessionStatus `json:"status" msgpack:"status"`
	StartedAt    time.Time     `json:"started_at" msgpack:"started_at"`
	UpdatedAt    time.Time     `json:"updated_at" msgpack:"updated_at"`
	Progress     SyncProgress  `json:"progress" msgpack:"progress"`
	PendingItems []string      `json:"pending_items" msgpack:"pending_items"`
	Batches      [][]string    `json:"batches" msgpack:"batches"`
	LastError    string        `json:"last_error,omitempty" msgpack:"last_error"`
}

// SyncCursor marks the last successful delta sync for a user.
type SyncCursor struct {
	UserID            string    `json:"user_id" msgpack:"user_id"`
	LastSyncTimestamp time.Time `json:"last_sync_timestamp" msgpack:"last_sync_timestamp"`
	SyncID            string    `json:"sync_id" msgpack:"sync_id"`
}
