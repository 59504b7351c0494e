package db

import (
	syncpkg "github.com/kimhsiao/mindharbor/backend/internal/sync"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/conflict"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
)

// OfflineStore combines every store the sync engine persists through.
type OfflineStore interface {
	queue.Store
	syncpkg.SessionStore
	syncpkg.CursorStore
	conflict.HistoryStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ queue.Store           = (*Repository)(nil)
	_ syncpkg.SessionStore  = (*Repository)(nil)
	_ syncpkg.CursorStore   = (*Repository)(nil)
	_ conflict.HistoryStore = (*Repository)(nil)
	_ OfflineStore          = (*Repository)(nil)
)
