package conflict

import (
	"context"
	"sort"
	"sync"

	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// MemoryHistory is an in-memory HistoryStore.
type MemoryHistory struct {
	mu      sync.RWMutex
	records []*models.Conflict
}

// NewMemoryHistory creates an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

// AppendConflict stores a copy of c.
func (h *MemoryHistory) AppendConflict(_ context.Context, c *models.Conflict) error {
	cp := *c
	h.mu.Lock()
	h.records = append(h.records, &cp)
	h.mu.Unlock()
	return nil
}

// ListConflicts returns the records of userID, newest first. A limit of
// zero or less returns all of them.
func (h *MemoryHistory) ListConflicts(_ context.Context, userID string, limit int) ([]*models.Conflict, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*models.Conflict
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].UserID == userID {
			cp := *h.records[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ResolvedAt.After(out[j].ResolvedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
