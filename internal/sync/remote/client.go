// Package remote defines the remote persistence API the sync engine uploads
// to, with an HTTP adapter and an in-memory implementation.
package remote

import (
	"context"
	"time"

	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// Upsert outcome statuses.
const (
	StatusOK       = "ok"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// Record is one item sent to the remote store. Either Data/Encrypted or a
// compressed Blob carries the body.
type Record struct {
	TempID        string                              `json:"temp_id"`
	RecordID      string                              `json:"record_id,omitempty"`
	ItemType      models.ItemType                     `json:"item_type"`
	UserID        string                              `json:"user_id"`
	DeviceID      string                              `json:"device_id,omitempty"`
	Data          map[string]interface{}              `json:"data,omitempty"`
	Encrypted     map[string]*models.EncryptedPayload `json:"encrypted,omitempty"`
	Blob          []byte                              `json:"blob,omitempty"`
	Encoding      string                              `json:"encoding,omitempty"`
	UpdatedAt     time.Time                           `json:"updated_at"`
	BaseUpdatedAt *time.Time                          `json:"base_updated_at,omitempty"`
}

// Body is the part of a Record that compression replaces with a Blob.
type Body struct {
	Data      map[string]interface{}              `msgpack:"data"`
	Encrypted map[string]*models.EncryptedPayload `msgpack:"encrypted"`
}

// RemoteRecord is a record as stored by the server.
type RemoteRecord struct {
	ID        string                              `json:"id"`
	TempID    string                              `json:"temp_id,omitempty"`
	UserID    string                              `json:"user_id"`
	DeviceID  string                              `json:"device_id,omitempty"`
	ItemType  models.ItemType                     `json:"item_type"`
	Data      map[string]interface{}              `json:"data,omitempty"`
	Encrypted map[string]*models.EncryptedPayload `json:"encrypted,omitempty"`
	UpdatedAt time.Time                           `json:"updated_at"`
}

// UpsertResult is the per-record outcome of Upsert.
type UpsertResult struct {
	TempID    string        `json:"temp_id"`
	ServerID  string        `json:"server_id,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	Status    string        `json:"status"`
	Code      string        `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Remote    *RemoteRecord `json:"remote,omitempty"`
}

// ChangeSet is the answer to FetchChanges.
type ChangeSet struct {
	Records    []*RemoteRecord `json:"records"`
	ServerTime time.Time       `json:"server_time"`
}

// Client is the remote persistence API.
type Client interface {
	// Upsert stores records of one item type. A returned error means the
	// whole call failed; per-record failures are reported in the results.
	Upsert(ctx context.Context, userID string, itemType models.ItemType, records []Record) ([]UpsertResult, error)
	// FetchChanges returns records of userID updated after since, or all of
	// them when since is nil.
	FetchChanges(ctx context.Context, userID string, since *time.Time) (*ChangeSet, error)
}
