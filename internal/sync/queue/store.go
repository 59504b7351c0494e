package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// Store is the durable key/value store behind the queue. Implementations
// must make MarkSynced atomic: the tempId → serverId mapping and the status
// change are committed together or not at all.
type Store interface {
	// InsertItem adds a new item. Returns DUPLICATE if the tempId exists.
	InsertItem(ctx context.Context, item *models.QueueItem) error
	// GetItem returns an item by tempId. Returns NOT_FOUND if absent.
	GetItem(ctx context.Context, tempID string) (*models.QueueItem, error)
	// UpdateItem replaces an existing item. Returns NOT_FOUND if absent.
	UpdateItem(ctx context.Context, item *models.QueueItem) error
	// ListItems returns items of userID (all users when empty) in any of
	// statuses (all statuses when none given).
	ListItems(ctx context.Context, userID string, statuses ...models.SyncStatus) ([]*models.QueueItem, error)
	// DeleteItems removes items and returns how many existed.
	DeleteItems(ctx context.Context, tempIDs []string) (int, error)
	// MarkSynced records tempID → serverID and flips the item to synced.
	// It returns false without changing anything if tempID is already mapped.
	MarkSynced(ctx context.Context, tempID, serverID string, at time.Time) (bool, error)
	// LookupServerID returns the server id mapped to tempID, if any.
	LookupServerID(ctx context.Context, tempID string) (string, bool, error)
	// MaxSeq returns the highest insertion sequence stored.
	MaxSeq(ctx context.Context) (int64, error)
}

// MemoryStore is an in-process Store. Items do not survive a restart; it
// backs tests and ephemeral sessions.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*models.QueueItem
	idMap map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*models.QueueItem),
		idMap: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// InsertItem adds a new item.
func (s *MemoryStore) InsertItem(ctx context.Context, item *models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.TempID]; ok {
		return apperrors.Newf(apperrors.ErrDuplicate, "temp id %s already queued", item.TempID)
	}
	s.items[item.TempID] = item.Clone()
	return nil
}

// GetItem returns a copy of an item.
func (s *MemoryStore) GetItem(ctx context.Context, tempID string) (*models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[tempID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", tempID)
	}
	return item.Clone(), nil
}

// UpdateItem replaces an item.
func (s *MemoryStore) UpdateItem(ctx context.Context, item *models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.TempID]; !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", item.TempID)
	}
	s.items[item.TempID] = item.Clone()
	return nil
}

// ListItems returns copies of matching items ordered by Seq.
func (s *MemoryStore) ListItems(ctx context.Context, userID string, statuses ...models.SyncStatus) ([]*models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[models.SyncStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.QueueItem
	for _, item := range s.items {
		if userID != "" && item.UserID != userID {
			continue
		}
		if len(want) > 0 && !want[item.SyncStatus] {
			continue
		}
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DeleteItems removes items by tempId.
func (s *MemoryStore) DeleteItems(ctx context.Context, tempIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range tempIDs {
		if _, ok := s.items[id]; ok {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

// MarkSynced records the mapping and status under one lock.
func (s *MemoryStore) MarkSynced(ctx context.Context, tempID, serverID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idMap[tempID]; ok {
		return false, nil
	}
	item, ok := s.items[tempID]
	if !ok {
		return false, apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", tempID)
	}
	s.idMap[tempID] = serverID
	item.SyncStatus = models.StatusSynced
	item.ServerID = serverID
	item.SyncedAt = &at
	item.UpdatedAt = at
	item.LastError = ""
	item.NextRetryAt = nil
	return true, nil
}

// LookupServerID returns the mapped server id.
func (s *MemoryStore) LookupServerID(ctx context.Context, tempID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idMap[tempID]
	return id, ok, nil
}

// MaxSeq returns the highest Seq stored.
func (s *MemoryStore) MaxSeq(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, item := range s.items {
		if item.Seq > max {
			max = item.Seq
		}
	}
	return max, nil
}
