// Package bridge exposes the sync engine to mobile hosts through JSON
// strings. Every call returns a Response envelope; the host never sees Go
// types. The cgo exports in cmd/mobile are a thin layer over Bridge.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/mindharbor/backend/internal/app"
	"github.com/kimhsiao/mindharbor/backend/internal/config"
	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	syncpkg "github.com/kimhsiao/mindharbor/backend/internal/sync"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/scheduler"
)

// maxBufferedEvents bounds the events kept between two PollEvents calls.
const maxBufferedEvents = 256

// InitRequest is the JSON accepted by Init. The engine settings use the
// same keys as the YAML config file.
type InitRequest struct {
	Config config.Config `yaml:",inline"`
	// MasterKey is the hex encoded key from the platform keystore. Empty
	// falls back to the key file in the data directory.
	MasterKey string `yaml:"master_key"`
	// Users are synced in the background when Background is set.
	Users      []string `yaml:"users"`
	Background bool     `yaml:"background"`
}

// Response is the envelope of every bridge call.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

// Error carries the engine error code to the host.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Bridge owns one engine instance.
type Bridge struct {
	mu      sync.Mutex
	app     *app.App
	sched   *scheduler.Scheduler
	cancel  context.CancelFunc
	options []app.Option

	eventsMu sync.Mutex
	events   []syncpkg.SyncEvent
	dropped  int

	errMu   sync.RWMutex
	lastErr string
}

// New creates an uninitialized Bridge. opts are passed to app.Open.
func New(opts ...app.Option) *Bridge {
	return &Bridge{options: opts}
}

// Init opens the engine described by requestJSON. A second Init without
// Close fails.
func (b *Bridge) Init(requestJSON string) string {
	return b.call(func() (interface{}, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.app != nil {
			return nil, apperrors.New(apperrors.ErrInvalid, "bridge already initialized")
		}

		req := InitRequest{Config: *config.Default()}
		if err := yaml.Unmarshal([]byte(requestJSON), &req); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse init request", err)
		}
		cfg := &req.Config
		cfg.MasterKey = req.MasterKey
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		ctx, cancel := context.WithCancel(context.Background())
		a, err := app.Open(ctx, cfg, b.options...)
		if err != nil {
			cancel()
			return nil, err
		}
		a.Engine.SetEventHandler(syncpkg.SyncEventHandlerFunc(b.buffer))
		b.app = a
		b.cancel = cancel

		if req.Background {
			b.sched = scheduler.NewScheduler(a.Engine, a.Monitor, &scheduler.SchedulerConfig{
				SyncInterval:  cfg.Sync.Interval,
				RetentionDays: cfg.Queue.RetentionDays,
				UserIDs:       req.Users,
			})
			b.sched.Start(ctx)
		}
		return map[string]interface{}{"device_id": a.DeviceID}, nil
	})
}

// Close stops the engine. The bridge can be initialized again afterwards.
func (b *Bridge) Close() string {
	return b.call(func() (interface{}, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.app == nil {
			return nil, nil
		}
		if b.sched != nil {
			b.sched.Stop()
			b.sched = nil
		}
		b.cancel()
		err := b.app.Close()
		b.app = nil
		return nil, err
	})
}

// LastError returns the message of the last failed call.
func (b *Bridge) LastError() string {
	b.errMu.RLock()
	defer b.errMu.RUnlock()
	return b.lastErr
}

func (b *Bridge) engine() (*syncpkg.Coordinator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "bridge not initialized")
	}
	return b.app.Engine, nil
}

// call runs fn and encodes its outcome.
func (b *Bridge) call(fn func() (interface{}, error)) string {
	data, err := fn()
	resp := Response{OK: err == nil, Data: data}
	if err != nil {
		resp.Error = &Error{Code: string(apperrors.CodeOf(err)), Message: err.Error()}
		b.errMu.Lock()
		b.lastErr = err.Error()
		b.errMu.Unlock()
	}
	out, merr := json.Marshal(resp)
	if merr != nil {
		logging.Error("Failed to encode bridge response", merr, nil)
		return `{"ok":false,"error":{"code":"INTERNAL_ERROR","message":"response encoding failed"}}`
	}
	return string(out)
}

// withEngine is call for operations that need an open engine.
func (b *Bridge) withEngine(fn func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error)) string {
	return b.call(func() (interface{}, error) {
		e, err := b.engine()
		if err != nil {
			return nil, err
		}
		return fn(context.Background(), e)
	})
}

func parsePayload(payloadJSON string) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "payload must be a JSON object", err)
	}
	return payload, nil
}

// Enqueue queues a local write of itemType.
func (b *Bridge) Enqueue(userID, itemType, payloadJSON string) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		payload, err := parsePayload(payloadJSON)
		if err != nil {
			return nil, err
		}
		return e.Enqueue(ctx, queue.EnqueueRequest{
			UserID:   userID,
			ItemType: models.ItemType(itemType),
			Payload:  payload,
		})
	})
}

// QueueMoodEntry queues a mood entry.
func (b *Bridge) QueueMoodEntry(userID, payloadJSON string) string {
	return b.Enqueue(userID, string(models.ItemMoodEntry), payloadJSON)
}

// QueueMessage queues a chat message.
func (b *Bridge) QueueMessage(userID, payloadJSON string) string {
	return b.Enqueue(userID, string(models.ItemMessage), payloadJSON)
}

// QueueCrisisEvent queues a crisis event.
func (b *Bridge) QueueCrisisEvent(userID, payloadJSON string) string {
	return b.Enqueue(userID, string(models.ItemCrisisEvent), payloadJSON)
}

// StartSync runs a pass and waits for it.
func (b *Bridge) StartSync(userID string) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		return e.StartSync(ctx, userID)
	})
}

// ResumeSync resumes the latest interrupted pass of userID.
func (b *Bridge) ResumeSync(userID string) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		return e.ResumeLatest(ctx, userID)
	})
}

// AbortSync cancels the running pass of userID.
func (b *Bridge) AbortSync(userID string) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		return nil, e.AbortSync(ctx, userID)
	})
}

// HandleConnectionRestored is called by the host when the platform reports
// connectivity. The pass it starts runs in the background; its outcome
// arrives through PollEvents.
func (b *Bridge) HandleConnectionRestored(userID string) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		return e.HandleConnectionRestored(ctx, userID)
	})
}

// PerformDeltaSync pulls remote changes. sinceRFC3339 may be empty to use
// the stored cursor.
func (b *Bridge) PerformDeltaSync(userID, sinceRFC3339 string) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		var since *time.Time
		if sinceRFC3339 != "" {
			t, err := time.Parse(time.RFC3339, sinceRFC3339)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "since must be RFC 3339", err)
			}
			since = &t
		}
		return e.PerformDeltaSync(ctx, userID, since)
	})
}

// GetStorageInfo reports offline storage usage.
func (b *Bridge) GetStorageInfo(userID string) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		return e.GetStorageInfo(ctx, userID)
	})
}

// CleanupOldOfflineData deletes finished items older than days.
func (b *Bridge) CleanupOldOfflineData(userID string, days int) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		return e.CleanupOldOfflineData(ctx, userID, days)
	})
}

// GetConflictHistory lists resolved conflicts, newest first.
func (b *Bridge) GetConflictHistory(userID string, limit int) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		return e.GetConflictHistory(ctx, userID, limit)
	})
}

// GetPendingConflict returns the candidates of a conflict waiting for the
// user.
func (b *Bridge) GetPendingConflict(conflictID string) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		res, ok := e.PendingConflict(conflictID)
		if !ok {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "no pending conflict %s", conflictID)
		}
		return res, nil
	})
}

// ResolveUserChoice settles a pending conflict.
func (b *Bridge) ResolveUserChoice(conflictID, choice string) string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		return e.ResolveUserChoice(ctx, conflictID, choice)
	})
}

// GetErrorHistory returns the recent sync errors.
func (b *Bridge) GetErrorHistory() string {
	return b.withEngine(func(ctx context.Context, e *syncpkg.Coordinator) (interface{}, error) {
		return e.GetErrorHistory(), nil
	})
}

// GetStatus returns the background scheduler status. Without background
// sync the status is empty.
func (b *Bridge) GetStatus() string {
	return b.call(func() (interface{}, error) {
		b.mu.Lock()
		sched := b.sched
		open := b.app != nil
		b.mu.Unlock()
		if !open {
			return nil, apperrors.New(apperrors.ErrInvalid, "bridge not initialized")
		}
		if sched == nil {
			return scheduler.SchedulerStatus{}, nil
		}
		return sched.GetStatus(context.Background()), nil
	})
}

// buffer keeps an event for the next PollEvents call, dropping the oldest
// when the buffer is full.
func (b *Bridge) buffer(event syncpkg.SyncEvent) {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	if len(b.events) >= maxBufferedEvents {
		b.events = b.events[1:]
		b.dropped++
	}
	b.events = append(b.events, event)
}

// PollEvents drains the buffered sync events.
func (b *Bridge) PollEvents() string {
	return b.call(func() (interface{}, error) {
		b.eventsMu.Lock()
		events := b.events
		dropped := b.dropped
		b.events = nil
		b.dropped = 0
		b.eventsMu.Unlock()
		if events == nil {
			events = []syncpkg.SyncEvent{}
		}
		return map[string]interface{}{"events": events, "dropped": dropped}, nil
	})
}
