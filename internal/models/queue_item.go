// Package models provides data model definitions for the offline sync engine.
package models

import (
	"fmt"
	"time"
)

// ItemType is the kind of user record carried by a queue item.
type ItemType string

const (
	ItemMoodEntry    ItemType = "mood_entry"
	ItemMessage      ItemType = "message"
	ItemCrisisEvent  ItemType = "crisis_event"
	ItemJournalEntry ItemType = "journal_entry"
)

// ItemTypes lists every known item type in declaration order.
var ItemTypes = []ItemType{ItemMoodEntry, ItemMessage, ItemCrisisEvent, ItemJournalEntry}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	for _, known := range ItemTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders queue items for upload. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityImmediate
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:       "low",
	PriorityNormal:    "normal",
	PriorityHigh:      "high",
	PriorityImmediate: "immediate",
	PriorityCritical:  "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a name such as "high" into a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// DefaultPriority returns the priority an item of type t gets when the
// caller does not override it.
func DefaultPriority(t ItemType) Priority {
	if t == ItemCrisisEvent {
		return PriorityCritical
	}
	return PriorityNormal
}

// SyncStatus is the lifecycle state of a queue item.
type SyncStatus string

const (
	StatusPending     SyncStatus = "pending"
	StatusSyncing     SyncStatus = "syncing"
	StatusSynced      SyncStatus = "synced"
	StatusFailed      SyncStatus = "failed"
	StatusConflict    SyncStatus = "conflict"
	StatusQuarantined SyncStatus = "quarantined"
)

// ActiveStatuses are the states of items still owned by the queue.
var ActiveStatuses = []SyncStatus{StatusPending, StatusSyncing, StatusFailed, StatusConflict}

// SensitiveFields lists, per item type, the payload fields that are PHI and
// must leave the device only as EncryptedPayload envelopes.
var SensitiveFields = map[ItemType][]string{
	ItemMoodEntry:    {"notes"},
	ItemMessage:      {"content"},
	ItemCrisisEvent:  {"description", "location", "contact_notes"},
	ItemJournalEntry: {"body"},
}

// IsSensitive reports whether field of item type t is PHI.
func IsSensitive(t ItemType, field string) bool {
	for _, f := range SensitiveFields[t] {
		if f == field {
			return true
		}
	}
	return false
}

// QueueItem is one locally persisted mutation awaiting upload.
type QueueItem struct {
	TempID        string                 `json:"temp_id" msgpack:"temp_id"`
	UserID        string                 `json:"user_id" msgpack:"user_id"`
	DeviceID      string                 `json:"device_id" msgpack:"device_id"`
	ItemType      ItemType               `json:"item_type" msgpack:"item_type"`
	Payload       map[string]interface{} `json:"payload" msgpack:"payload"`
	Priority      Priority               `json:"priority" msgpack:"priority"`
	SyncStatus    SyncStatus             `json:"sync_status" msgpack:"sync_status"`
	QueuedAt      time.Time              `json:"queued_at" msgpack:"queued_at"`
	Attempts      int                    `json:"attempts" msgpack:"attempts"`
	LastError     string                 `json:"last_error,omitempty" msgpack:"last_error"`
	ServerID      string                 `json:"server_id,omitempty" msgpack:"server_id"`
	RecordID      string                 `json:"record_id,omitempty" msgpack:"record_id"`
	BaseUpdatedAt *time.Time             `json:"base_updated_at,omitempty" msgpack:"base_updated_at"`
	Seq           int64                  `json:"seq" msgpack:"seq"`
	SizeBytes     int64                  `json:"size_bytes" msgpack:"size_bytes"`
	NextRetryAt   *time.Time             `json:"next_retry_at,omitempty" msgpack:"next_retry_at"`
	UpdatedAt     time.Time              `json:"updated_at" msgpack:"updated_at"`
	SyncedAt      *time.Time             `json:"synced_at,omitempty" msgpack:"synced_at"`
	QuarantineRef string                 `json:"quarantine_ref,omitempty" msgpack:"quarantine_ref"`
}

// IsCrisis reports whether the item is a crisis event.
func (q *QueueItem) IsCrisis() bool {
	return q.ItemType == ItemCrisisEvent
}

// IsActive reports whether the item still needs the queue's attention.
func (q *QueueItem) IsActive() bool {
	for _, s := range ActiveStatuses {
		if q.SyncStatus == s {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the item, including its payload.
func (q *QueueItem) Clone() *QueueItem {
	c := *q
	c.Payload = ClonePayload(q.Payload)
	if q.BaseUpdatedAt != nil {
		t := *q.BaseUpdatedAt
		c.BaseUpdatedAt = &t
	}
	if q.NextRetryAt != nil {
		t := *q.NextRetryAt
		c.NextRetryAt = &t
	}
	if q.SyncedAt != nil {
		t := *q.SyncedAt
		c.SyncedAt = &t
	}
	return &c
}

// ClonePayload copies a payload map. Nested maps and slices are copied too.
func ClonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return ClonePayload(t)
	case []interface{}:
		s := make([]interface{}, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}
