// Package models tests for data model definitions.
package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Priority Tests
// =====================================================

// TestPriority_Ordering verifies critical drains before everything else.
func TestPriority_Ordering(t *testing.T) {
	assert.Less(t, int(PriorityLow), int(PriorityNormal))
	assert.Less(t, int(PriorityNormal), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityImmediate))
	assert.Less(t, int(PriorityImmediate), int(PriorityCritical))
}

// TestParsePriority verifies names round trip through String.
func TestParsePriority(t *testing.T) {
	for p := PriorityLow; p <= PriorityCritical; p++ {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

// TestDefaultPriority verifies crisis events default to critical.
func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, DefaultPriority(ItemCrisisEvent))
	assert.Equal(t, PriorityNormal, DefaultPriority(ItemMoodEntry))
	assert.Equal(t, PriorityNormal, DefaultPriority(ItemMessage))
}

// =====================================================
// QueueItem Tests
// =====================================================

// TestQueueItem_Clone verifies the clone shares no mutable state.
func TestQueueItem_Clone(t *testing.T) {
	base := time.Now()
	item := &QueueItem{
		TempID:        "a",
		ItemType:      ItemMoodEntry,
		Payload:       map[string]interface{}{"tags": []interface{}{"calm"}, "meta": map[string]interface{}{"k": "v"}},
		BaseUpdatedAt: &base,
	}

	c := item.Clone()
	c.Payload["tags"].([]interface{})[0] = "anxious"
	c.Payload["meta"].(map[string]interface{})["k"] = "changed"
	*c.BaseUpdatedAt = base.Add(time.Hour)

	assert.Equal(t, "calm", item.Payload["tags"].([]interface{})[0])
	assert.Equal(t, "v", item.Payload["meta"].(map[string]interface{})["k"])
	assert.Equal(t, base, *item.BaseUpdatedAt)
}

// TestQueueItem_IsActive verifies synced and quarantined items leave the queue.
func TestQueueItem_IsActive(t *testing.T) {
	for _, s := range []SyncStatus{StatusPending, StatusSyncing, StatusFailed, StatusConflict} {
		assert.True(t, (&QueueItem{SyncStatus: s}).IsActive(), s)
	}
	assert.False(t, (&QueueItem{SyncStatus: StatusSynced}).IsActive())
	assert.False(t, (&QueueItem{SyncStatus: StatusQuarantined}).IsActive())
}

// TestRedact verifies sensitive fields never survive redaction.
func TestRedact(t *testing.T) {
	data := map[string]interface{}{"mood_score": 4, "notes": "private"}

	out := Redact(ItemMoodEntry, data)

	assert.Equal(t, RedactedValue, out["notes"])
	assert.Equal(t, 4, out["mood_score"])
	assert.Equal(t, "private", data["notes"])
}

// TestSessionStatus_Resumable verifies only paused or interrupted sessions resume.
func TestSessionStatus_Resumable(t *testing.T) {
	assert.True(t, SessionInterrupted.Resumable())
	assert.True(t, SessionPaused.Resumable())
	assert.False(t, SessionRunning.Resumable())
	assert.False(t, SessionCompleted.Resumable())
}
