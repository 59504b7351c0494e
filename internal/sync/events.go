package sync

import (
	"sync"
	"time"

	"github.com/kimhsiao/mindharbor/backend/internal/logging"
)

// SyncEventType names a coordinator notification.
type SyncEventType string

const (
	SyncEventStarted            SyncEventType = "sync_started"
	SyncEventCompleted          SyncEventType = "sync_completed"
	SyncEventInterrupted        SyncEventType = "sync_interrupted"
	SyncEventAborted            SyncEventType = "sync_aborted"
	SyncEventFailed             SyncEventType = "sync_failed"
	SyncEventConflictNeedsInput SyncEventType = "conflict_requires_user_input"
	SyncEventItemQuarantined    SyncEventType = "item_quarantined"
	SyncEventRetriesExhausted   SyncEventType = "retries_exhausted"
	SyncEventCrisisSyncFailed   SyncEventType = "crisis_sync_failed"
	SyncEventConnectionRestored SyncEventType = "connection_restored"
	SyncEventStorageCleanup     SyncEventType = "storage_cleanup"
	SyncEventDeltaSyncCompleted SyncEventType = "delta_sync_completed"
)

// SyncEvent is delivered to the SyncEventHandler.
type SyncEvent struct {
	Type       SyncEventType `json:"type"`
	UserID     string        `json:"user_id"`
	SyncID     string        `json:"sync_id,omitempty"`
	TempIDs    []string      `json:"temp_ids,omitempty"`
	ConflictID string        `json:"conflict_id,omitempty"`
	Message    string        `json:"message,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SyncEventHandler receives coordinator events. Events are delivered in
// emission order on one dispatcher goroutine and never block a sync pass. A
// handler must not call Close.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent implements SyncEventHandler.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

// SyncErrorEntry is one entry of the error history.
type SyncErrorEntry struct {
	TempID    string    `json:"temp_id"`
	Operation string    `json:"operation"`
	Code      string    `json:"code"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const maxErrorHistory = 100

// notifier owns the event handler, the dispatch queue and the bounded error
// history.
type notifier struct {
	mu      sync.Mutex
	handler SyncEventHandler
	pending []SyncEvent
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	errMu  sync.Mutex
	errors []SyncErrorEntry
}

func (n *notifier) start() {
	n.wake = make(chan struct{}, 1)
	n.stopped = make(chan struct{})
	go n.dispatch()
}

func (n *notifier) push(event SyncEvent) {
	n.mu.Lock()
	if n.closed || n.handler == nil {
		n.mu.Unlock()
		return
	}
	n.pending = append(n.pending, event)
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events until the notifier is closed and drained.
func (n *notifier) dispatch() {
	defer close(n.stopped)
	for {
		n.mu.Lock()
		queued := n.pending
		n.pending = nil
		h := n.handler
		closed := n.closed
		n.mu.Unlock()

		for _, event := range queued {
			deliver(h, event)
		}
		if len(queued) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}

// close stops accepting events and waits for queued ones to be delivered.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.signal()
	<-n.stopped
}

func deliver(h SyncEventHandler, event SyncEvent) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Sync event handler panicked", nil, map[string]interface{}{
				"event": event.Type,
				"panic": r,
			})
		}
	}()
	h.OnSyncEvent(event)
}

// SetEventHandler sets the event handler; nil disables events.
func (c *Coordinator) SetEventHandler(handler SyncEventHandler) {
	c.events.mu.Lock()
	c.events.handler = handler
	c.events.mu.Unlock()
}

func (c *Coordinator) emitEvent(event SyncEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now().UTC()
	}
	c.events.push(event)
}

func (c *Coordinator) recordError(tempID, operation string, code string, err error) {
	c.events.errMu.Lock()
	defer c.events.errMu.Unlock()
	c.events.errors = append(c.events.errors, SyncErrorEntry{
		TempID:    tempID,
		Operation: operation,
		Code:      code,
		Error:     err.Error(),
		Timestamp: c.now().UTC(),
	})
	if over := len(c.events.errors) - maxErrorHistory; over > 0 {
		c.events.errors = append([]SyncErrorEntry(nil), c.events.errors[over:]...)
	}
}

// GetErrorHistory returns a copy of the most recent item errors, oldest
// first.
func (c *Coordinator) GetErrorHistory() []SyncErrorEntry {
	c.events.errMu.Lock()
	defer c.events.errMu.Unlock()
	out := make([]SyncErrorEntry, len(c.events.errors))
	copy(out, c.events.errors)
	return out
}
