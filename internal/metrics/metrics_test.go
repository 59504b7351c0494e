package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRecorder verifies instruments are registered and updated.
func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Pass("full_sync", "completed", 1200*time.Millisecond)
	r.Item("mood_entry", "synced")
	r.Item("mood_entry", "synced")
	r.Item("crisis_event", "failed")
	r.Conflict("last_write_wins", "server")
	r.Backoff(2 * time.Second)
	r.QueueDepth(map[string]int{"pending": 3, "failed": 1})
	r.RecordSize("msgpack+zstd", 900)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.passes.WithLabelValues("full_sync", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.items.WithLabelValues("mood_entry", "synced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conflicts.WithLabelValues("last_write_wins", "server")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("pending")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, n, 5)

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP mindharbor_sync_items_total Upload outcomes by item type and outcome
# TYPE mindharbor_sync_items_total counter
mindharbor_sync_items_total{item_type="crisis_event",outcome="failed"} 1
mindharbor_sync_items_total{item_type="mood_entry",outcome="synced"} 2
`), "mindharbor_sync_items_total")
	assert.NoError(t, err)
}

// TestRecorder_nil verifies a nil recorder is a no-op.
func TestRecorder_nil(t *testing.T) {
	var r *Recorder
	r.Pass("full_sync", "completed", time.Second)
	r.Item("message", "synced")
	r.Conflict("merge", "merged")
	r.Backoff(time.Second)
	r.QueueDepth(map[string]int{"pending": 1})
	r.RecordSize("msgpack", 10)
}

// TestDefault verifies the default recorder is a singleton.
func TestDefault(t *testing.T) {
	assert.Same(t, Default(), Default())
}
