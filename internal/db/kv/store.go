// Package kv implements the offline stores on an embedded Badger key/value
// database, for devices where SQLite is not available.
package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// Key prefixes.
const (
	prefixItem    = "q/"
	prefixMapping = "m/"
	prefixSession = "s/"
	prefixCursor  = "c/"
	prefixHistory = "h/"
	historySeqKey = "meta/history_seq"
)

const maxTxnRetries = 5

// Config configures the Badger store.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string
	// InMemory keeps everything in memory.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval runs value log GC periodically; zero disables it.
	GCInterval time.Duration
}

// DefaultConfig returns a durable configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true, GCInterval: 10 * time.Minute}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger routes Badger's internal logging into the application log.
type badgerLogger struct {
	log *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), nil, nil)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), nil)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), nil)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), nil)
}

// Store implements the queue, session, cursor and conflict history stores.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens the Badger store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: logging.Get().With(map[string]interface{}{"component": "badger"})})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte(historySeqKey), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open history sequence: %w", err)
	}

	s := &Store{db: db, seq: seq}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// OpenInMemory opens an in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	if err := s.seq.Release(); err != nil {
		logging.Warn("Failed to release history sequence", map[string]interface{}{"error": err.Error()})
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn("Badger value log GC error", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getValue(txn *badger.Txn, key string, out interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, out)
	})
}

func setValue(txn *badger.Txn, key string, v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

func storeError(op string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

// =====================================================
// Queue Items
// =====================================================

// InsertItem adds a new queue item.
func (s *Store) InsertItem(ctx context.Context, item *models.QueueItem) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := prefixItem + item.TempID
		if _, err := txn.Get([]byte(key)); err == nil {
			return apperrors.Newf(apperrors.ErrDuplicate, "temp id %s already queued", item.TempID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setValue(txn, key, item)
	})
	if err != nil {
		return storeError("insert queue item", err)
	}
	return nil
}

// GetItem returns a queue item by tempId.
func (s *Store) GetItem(ctx context.Context, tempID string) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, prefixItem+tempID, &item)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", tempID)
	}
	if err != nil {
		return nil, storeError("get queue item", err)
	}
	return &item, nil
}

// UpdateItem replaces an existing queue item.
func (s *Store) UpdateItem(ctx context.Context, item *models.QueueItem) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := prefixItem + item.TempID
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", item.TempID)
			}
			return err
		}
		return setValue(txn, key, item)
	})
	if err != nil {
		return storeError("update queue item", err)
	}
	return nil
}

// ListItems returns queue items of userID (all users when empty) in any of
// statuses, ordered by insertion sequence.
func (s *Store) ListItems(ctx context.Context, userID string, statuses ...models.SyncStatus) ([]*models.QueueItem, error) {
	want := make(map[models.SyncStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*models.QueueItem
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: []byte(prefixItem)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var item models.QueueItem
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &item)
			}); err != nil {
				return err
			}
			if userID != "" && item.UserID != userID {
				continue
			}
			if len(want) > 0 && !want[item.SyncStatus] {
				continue
			}
			out = append(out, &item)
		}
		return nil
	})
	if err != nil {
		return nil, storeError("list queue items", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DeleteItems removes queue items; the tempId mappings are kept.
func (s *Store) DeleteItems(ctx context.Context, tempIDs []string) (int, error) {
	n := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		for _, id := range tempIDs {
			key := []byte(prefixItem + id)
			if _, err := txn.Get(key); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, storeError("delete queue items", err)
	}
	return n, nil
}

// MarkSynced writes the mapping and the synced status in one transaction.
func (s *Store) MarkSynced(ctx context.Context, tempID, serverID string, at time.Time) (bool, error) {
	changed := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		changed = false
		if _, err := txn.Get([]byte(prefixMapping + tempID)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var item models.QueueItem
		if err := getValue(txn, prefixItem+tempID, &item); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", tempID)
			}
			return err
		}
		item.SyncStatus = models.StatusSynced
		item.ServerID = serverID
		item.SyncedAt = &at
		item.UpdatedAt = at
		item.LastError = ""
		item.NextRetryAt = nil
		if err := setValue(txn, prefixItem+tempID, &item); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixMapping+tempID), []byte(serverID)); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, storeError("mark synced", err)
	}
	return changed, nil
}

// LookupServerID returns the server id mapped to tempID.
func (s *Store) LookupServerID(ctx context.Context, tempID string) (string, bool, error) {
	var serverID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixMapping + tempID))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		serverID = string(val)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeError("lookup server id", err)
	}
	return serverID, true, nil
}

// MaxSeq returns the highest insertion sequence stored.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	items, err := s.ListItems(ctx, "")
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	return items[len(items)-1].Seq, nil
}

// =====================================================
// Sessions and Cursors
// =====================================================

// SaveSession inserts or replaces a session.
func (s *Store) SaveSession(ctx context.Context, session *models.SyncSession) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setValue(txn, prefixSession+session.SyncID, session)
	})
	if err != nil {
		return storeError("save sync session", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, syncID string) (*models.SyncSession, error) {
	var session models.SyncSession
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, prefixSession+syncID, &session)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "sync session %s not found", syncID)
	}
	if err != nil {
		return nil, storeError("get sync session", err)
	}
	return &session, nil
}

// LatestSession returns the newest matching session.
func (s *Store) LatestSession(ctx context.Context, userID, deviceID string, statuses ...models.SessionStatus) (*models.SyncSession, error) {
	var latest *models.SyncSession
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 20, Prefix: []byte(prefixSession)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var session models.SyncSession
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &session)
			}); err != nil {
				return err
			}
			if session.UserID != userID || session.DeviceID != deviceID {
				continue
			}
			if len(statuses) > 0 && !hasStatus(statuses, session.Status) {
				continue
			}
			if latest == nil || session.UpdatedAt.After(latest.UpdatedAt) {
				cp := session
				latest = &cp
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError("latest sync session", err)
	}
	if latest == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no sync session for %s", userID)
	}
	return latest, nil
}

func hasStatus(statuses []models.SessionStatus, s models.SessionStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// GetCursor returns the cursor of userID, or nil.
func (s *Store) GetCursor(ctx context.Context, userID string) (*models.SyncCursor, error) {
	var c models.SyncCursor
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, prefixCursor+userID, &c)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get sync cursor", err)
	}
	return &c, nil
}

// SaveCursor inserts or replaces a cursor.
func (s *Store) SaveCursor(ctx context.Context, c *models.SyncCursor) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setValue(txn, prefixCursor+c.UserID, c)
	})
	if err != nil {
		return storeError("save sync cursor", err)
	}
	return nil
}

// =====================================================
// Conflict History
// =====================================================

// historyKey orders records of a user by resolution time, then insertion.
func historyKey(userID string, resolvedAt time.Time, n uint64) string {
	return fmt.Sprintf("%s%s/%020d/%020d", prefixHistory, userID, resolvedAt.UnixNano(), n)
}

// AppendConflict adds a record to the permanent history.
func (s *Store) AppendConflict(ctx context.Context, c *models.Conflict) error {
	n, err := s.seq.Next()
	if err != nil {
		return storeError("next history sequence", err)
	}
	err = s.update(ctx, func(txn *badger.Txn) error {
		return setValue(txn, historyKey(c.UserID, c.ResolvedAt, n), c)
	})
	if err != nil {
		return storeError("append conflict", err)
	}
	return nil
}

// ListConflicts returns the history of userID, newest first.
func (s *Store) ListConflicts(ctx context.Context, userID string, limit int) ([]*models.Conflict, error) {
	prefix := []byte(prefixHistory + userID + "/")
	var out []*models.Conflict
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			var c models.Conflict
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			out = append(out, &c)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError("list conflicts", err)
	}
	return out, nil
}
