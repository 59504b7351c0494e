package sync

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// SessionStore persists sync sessions so an interrupted pass can resume
// after a restart.
type SessionStore interface {
	// SaveSession inserts or replaces a session.
	SaveSession(ctx context.Context, s *models.SyncSession) error
	// GetSession returns a session by id. Returns NOT_FOUND if absent.
	GetSession(ctx context.Context, syncID string) (*models.SyncSession, error)
	// LatestSession returns the most recently updated session of the
	// user/device in any of statuses. Returns NOT_FOUND if none matches.
	LatestSession(ctx context.Context, userID, deviceID string, statuses ...models.SessionStatus) (*models.SyncSession, error)
}

// CursorStore persists the delta sync cursor per user.
type CursorStore interface {
	// GetCursor returns nil without error when the user never synced.
	GetCursor(ctx context.Context, userID string) (*models.SyncCursor, error)
	SaveCursor(ctx context.Context, c *models.SyncCursor) error
}

// MemoryStateStore keeps sessions and cursors in memory.
type MemoryStateStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.SyncSession
	cursors  map[string]*models.SyncCursor
}

var (
	_ SessionStore = (*MemoryStateStore)(nil)
	_ CursorStore  = (*MemoryStateStore)(nil)
)

// NewMemoryStateStore creates an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		sessions: make(map[string]*models.SyncSession),
		cursors:  make(map[string]*models.SyncCursor),
	}
}

// SaveSession stores a copy of s.
func (m *MemoryStateStore) SaveSession(ctx context.Context, s *models.SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SyncID] = cloneSession(s)
	return nil
}

// GetSession returns a copy of a session.
func (m *MemoryStateStore) GetSession(ctx context.Context, syncID string) (*models.SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[syncID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "sync session %s not found", syncID)
	}
	return cloneSession(s), nil
}

// LatestSession returns the newest matching session.
func (m *MemoryStateStore) LatestSession(ctx context.Context, userID, deviceID string, statuses ...models.SessionStatus) (*models.SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []*models.SyncSession
	for _, s := range m.sessions {
		if s.UserID != userID || s.DeviceID != deviceID {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, s.Status) {
			continue
		}
		matches = append(matches, s)
	}
	if len(matches) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no sync session for %s", userID)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].UpdatedAt.After(matches[j].UpdatedAt) })
	return cloneSession(matches[0]), nil
}

// GetCursor returns the cursor of userID or nil.
func (m *MemoryStateStore) GetCursor(ctx context.Context, userID string) (*models.SyncCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[userID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// SaveCursor stores a copy of c.
func (m *MemoryStateStore) SaveCursor(ctx context.Context, c *models.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.cursors[c.UserID] = &cp
	return nil
}

func hasStatus(statuses []models.SessionStatus, s models.SessionStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func cloneSession(s *models.SyncSession) *models.SyncSession {
	cp := *s
	cp.PendingItems = append([]string(nil), s.PendingItems...)
	cp.Batches = make([][]string, len(s.Batches))
	for i, b := range s.Batches {
		cp.Batches[i] = append([]string(nil), b...)
	}
	return &cp
}
