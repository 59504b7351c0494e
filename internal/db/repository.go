package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// Repository is the SQLite implementation of the offline stores.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// another goroutine may have prepared the same query
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func dbError(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// =====================================================
// Queue Item Operations
// =====================================================

const queueColumns = `temp_id, user_id, device_id, item_type, payload, priority, sync_status,
	queued_at, attempts, last_error, server_id, record_id, base_updated_at, seq, size_bytes,
	next_retry_at, updated_at, synced_at, quarantine_ref`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	var payload string
	var queuedAt, updatedAt int64
	var baseUpdatedAt, nextRetryAt, syncedAt sql.NullInt64
	err := row.Scan(&item.TempID, &item.UserID, &item.DeviceID, &item.ItemType, &payload,
		&item.Priority, &item.SyncStatus, &queuedAt, &item.Attempts, &item.LastError,
		&item.ServerID, &item.RecordID, &baseUpdatedAt, &item.Seq, &item.SizeBytes,
		&nextRetryAt, &updatedAt, &syncedAt, &item.QuarantineRef)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", item.TempID, err)
	}
	item.QueuedAt = fromNanos(queuedAt)
	item.UpdatedAt = fromNanos(updatedAt)
	item.BaseUpdatedAt = fromNullNanos(baseUpdatedAt)
	item.NextRetryAt = fromNullNanos(nextRetryAt)
	item.SyncedAt = fromNullNanos(syncedAt)
	return &item, nil
}

// InsertItem adds a new queue item.
func (r *Repository) InsertItem(ctx context.Context, item *models.QueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}

	query := `INSERT INTO queue_items (` + queueColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(temp_id) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query, item.TempID, item.UserID, item.DeviceID,
		item.ItemType, string(payload), item.Priority, item.SyncStatus, toNanos(item.QueuedAt),
		item.Attempts, item.LastError, item.ServerID, item.RecordID, nullNanos(item.BaseUpdatedAt),
		item.Seq, item.SizeBytes, nullNanos(item.NextRetryAt), toNanos(item.UpdatedAt),
		nullNanos(item.SyncedAt), item.QuarantineRef)
	if err != nil {
		return dbError("insert queue item", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.Newf(apperrors.ErrDuplicate, "temp id %s already queued", item.TempID)
	}
	return nil
}

// GetItem retrieves a queue item by tempId.
func (r *Repository) GetItem(ctx context.Context, tempID string) (*models.QueueItem, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE temp_id = ?`)
	if err != nil {
		return nil, dbError("prepare get queue item", err)
	}
	item, err := scanQueueItem(stmt.QueryRowContext(ctx, tempID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", tempID)
	}
	if err != nil {
		return nil, dbError("get queue item", err)
	}
	return item, nil
}

// UpdateItem replaces the mutable columns of a queue item.
func (r *Repository) UpdateItem(ctx context.Context, item *models.QueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}

	query := `
	UPDATE queue_items
	SET payload = ?, priority = ?, sync_status = ?, attempts = ?, last_error = ?, server_id = ?,
		record_id = ?, base_updated_at = ?, size_bytes = ?, next_retry_at = ?, updated_at = ?,
		synced_at = ?, quarantine_ref = ?
	WHERE temp_id = ?
	`
	result, err := r.db.ExecContext(ctx, query, string(payload), item.Priority, item.SyncStatus,
		item.Attempts, item.LastError, item.ServerID, item.RecordID, nullNanos(item.BaseUpdatedAt),
		item.SizeBytes, nullNanos(item.NextRetryAt), toNanos(item.UpdatedAt),
		nullNanos(item.SyncedAt), item.QuarantineRef, item.TempID)
	if err != nil {
		return dbError("update queue item", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", item.TempID)
	}
	return nil
}

// ListItems returns queue items of userID (all users when empty) in any of
// statuses, ordered by insertion sequence.
func (r *Repository) ListItems(ctx context.Context, userID string, statuses ...models.SyncStatus) ([]*models.QueueItem, error) {
	var where []string
	var args []interface{}
	if userID != "" {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, "sync_status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + queueColumns + ` FROM queue_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list queue items", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, dbError("scan queue item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list queue items", err)
	}
	return items, nil
}

// DeleteItems removes queue items and returns how many existed. The
// tempId mappings are kept.
func (r *Repository) DeleteItems(ctx context.Context, tempIDs []string) (int, error) {
	if len(tempIDs) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbError("begin delete", err)
	}
	defer tx.Rollback()

	total := 0
	for _, id := range tempIDs {
		result, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE temp_id = ?`, id)
		if err != nil {
			return 0, dbError("delete queue item", err)
		}
		n, _ := result.RowsAffected()
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, dbError("commit delete", err)
	}
	return total, nil
}

// MarkSynced records tempID → serverID and flips the item to synced in one
// transaction. It reports false when the mapping already existed.
func (r *Repository) MarkSynced(ctx context.Context, tempID, serverID string, at time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, dbError("begin mark synced", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
	INSERT INTO id_mappings (temp_id, server_id, mapped_at) VALUES (?, ?, ?)
	ON CONFLICT(temp_id) DO NOTHING`, tempID, serverID, toNanos(at))
	if err != nil {
		return false, dbError("insert id mapping", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return false, nil
	}

	result, err = tx.ExecContext(ctx, `
	UPDATE queue_items
	SET sync_status = ?, server_id = ?, synced_at = ?, updated_at = ?, last_error = '', next_retry_at = NULL
	WHERE temp_id = ?`, models.StatusSynced, serverID, toNanos(at), toNanos(at), tempID)
	if err != nil {
		return false, dbError("mark item synced", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return false, apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", tempID)
	}

	if err := tx.Commit(); err != nil {
		return false, dbError("commit mark synced", err)
	}
	return true, nil
}

// LookupServerID returns the server id mapped to tempID.
func (r *Repository) LookupServerID(ctx context.Context, tempID string) (string, bool, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT server_id FROM id_mappings WHERE temp_id = ?`)
	if err != nil {
		return "", false, dbError("prepare lookup", err)
	}
	var serverID string
	err = stmt.QueryRowContext(ctx, tempID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbError("lookup server id", err)
	}
	return serverID, true, nil
}

// MaxSeq returns the highest insertion sequence stored.
func (r *Repository) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM queue_items`).Scan(&seq); err != nil {
		return 0, dbError("max seq", err)
	}
	return seq, nil
}

// =====================================================
// Sync Session Operations
// =====================================================

const sessionColumns = `sync_id, user_id, device_id, strategy, status, started_at, updated_at,
	progress, pending_items, batches, last_error`

func scanSession(row rowScanner) (*models.SyncSession, error) {
	var s models.SyncSession
	var startedAt, updatedAt int64
	var progress, pending, batches string
	if err := row.Scan(&s.SyncID, &s.UserID, &s.DeviceID, &s.Strategy, &s.Status, &startedAt,
		&updatedAt, &progress, &pending, &batches, &s.LastError); err != nil {
		return nil, err
	}
	s.StartedAt = fromNanos(startedAt)
	s.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(progress), &s.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if err := json.Unmarshal([]byte(pending), &s.PendingItems); err != nil {
		return nil, fmt.Errorf("decode pending items: %w", err)
	}
	if err := json.Unmarshal([]byte(batches), &s.Batches); err != nil {
		return nil, fmt.Errorf("decode batches: %w", err)
	}
	return &s, nil
}

// SaveSession inserts or replaces a sync session.
func (r *Repository) SaveSession(ctx context.Context, s *models.SyncSession) error {
	progress, _ := json.Marshal(s.Progress)
	pending, _ := json.Marshal(nonNilStrings(s.PendingItems))
	batches, _ := json.Marshal(s.Batches)

	query := `INSERT INTO sync_sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(sync_id) DO UPDATE SET
		strategy = excluded.strategy, status = excluded.status, updated_at = excluded.updated_at,
		progress = excluded.progress, pending_items = excluded.pending_items,
		batches = excluded.batches, last_error = excluded.last_error`
	_, err := r.db.ExecContext(ctx, query, s.SyncID, s.UserID, s.DeviceID, s.Strategy, s.Status,
		toNanos(s.StartedAt), toNanos(s.UpdatedAt), string(progress), string(pending),
		string(batches), s.LastError)
	if err != nil {
		return dbError("save sync session", err)
	}
	return nil
}

// GetSession retrieves a sync session by id.
func (r *Repository) GetSession(ctx context.Context, syncID string) (*models.SyncSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sync_sessions WHERE sync_id = ?`, syncID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "sync session %s not found", syncID)
	}
	if err != nil {
		return nil, dbError("get sync session", err)
	}
	return s, nil
}

// LatestSession returns the most recently updated matching session.
func (r *Repository) LatestSession(ctx context.Context, userID, deviceID string, statuses ...models.SessionStatus) (*models.SyncSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sync_sessions WHERE user_id = ? AND device_id = ?`
	args := []interface{}{userID, deviceID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		query += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY updated_at DESC LIMIT 1"

	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no sync session for %s", userID)
	}
	if err != nil {
		return nil, dbError("latest sync session", err)
	}
	return s, nil
}

// =====================================================
// Sync Cursor Operations
// =====================================================

// GetCursor returns the delta sync cursor of userID, or nil.
func (r *Repository) GetCursor(ctx context.Context, userID string) (*models.SyncCursor, error) {
	var c models.SyncCursor
	var ts int64
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, last_sync_timestamp, sync_id FROM sync_cursors WHERE user_id = ?`, userID).
		Scan(&c.UserID, &ts, &c.SyncID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get sync cursor", err)
	}
	c.LastSyncTimestamp = fromNanos(ts)
	return &c, nil
}

// SaveCursor inserts or replaces the cursor of c.UserID.
func (r *Repository) SaveCursor(ctx context.Context, c *models.SyncCursor) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO sync_cursors (user_id, last_sync_timestamp, sync_id) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET last_sync_timestamp = excluded.last_sync_timestamp, sync_id = excluded.sync_id`,
		c.UserID, toNanos(c.LastSyncTimestamp), c.SyncID)
	if err != nil {
		return dbError("save sync cursor", err)
	}
	return nil
}

// =====================================================
// Conflict History Operations
// =====================================================

// AppendConflict adds a record to the permanent conflict history.
func (r *Repository) AppendConflict(ctx context.Context, c *models.Conflict) error {
	local, err := json.Marshal(c.LocalVersion)
	if err != nil {
		return dbError("encode local version", err)
	}
	remote, err := json.Marshal(c.RemoteVersion)
	if err != nil {
		return dbError("encode remote version", err)
	}
	fields, _ := json.Marshal(nonNilStrings(c.ConflictingFields))

	query := `
	INSERT INTO conflict_history (conflict_id, user_id, item_id, item_type, local_version,
		remote_version, local_updated_at, remote_updated_at, resolution_strategy, resolution,
		winner, conflicting_fields, requires_user_input, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query, c.ConflictID, c.UserID, c.ItemID, c.ItemType,
		string(local), string(remote), toNanos(c.LocalUpdatedAt), toNanos(c.RemoteUpdatedAt),
		c.ResolutionStrategy, c.Resolution, c.Winner, string(fields), c.RequiresUserInput,
		toNanos(c.ResolvedAt))
	if err != nil {
		return dbError("append conflict", err)
	}
	return nil
}

// ListConflicts returns the conflict history of userID, newest first. A
// limit of zero or less returns every record.
func (r *Repository) ListConflicts(ctx context.Context, userID string, limit int) ([]*models.Conflict, error) {
	query := `
	SELECT conflict_id, user_id, item_id, item_type, local_version, remote_version,
		local_updated_at, remote_updated_at, resolution_strategy, resolution, winner,
		conflicting_fields, requires_user_input, resolved_at
	FROM conflict_history WHERE user_id = ?
	ORDER BY resolved_at DESC, id DESC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list conflicts", err)
	}
	defer rows.Close()

	var out []*models.Conflict
	for rows.Next() {
		var c models.Conflict
		var local, remote, fields string
		var localAt, remoteAt, resolvedAt int64
		if err := rows.Scan(&c.ConflictID, &c.UserID, &c.ItemID, &c.ItemType, &local, &remote,
			&localAt, &remoteAt, &c.ResolutionStrategy, &c.Resolution, &c.Winner, &fields,
			&c.RequiresUserInput, &resolvedAt); err != nil {
			return nil, dbError("scan conflict", err)
		}
		if err := json.Unmarshal([]byte(local), &c.LocalVersion); err != nil {
			return nil, dbError("decode local version", err)
		}
		if err := json.Unmarshal([]byte(remote), &c.RemoteVersion); err != nil {
			return nil, dbError("decode remote version", err)
		}
		if err := json.Unmarshal([]byte(fields), &c.ConflictingFields); err != nil {
			return nil, dbError("decode conflicting fields", err)
		}
		if len(c.ConflictingFields) == 0 {
			c.ConflictingFields = nil
		}
		c.LocalUpdatedAt = fromNanos(localAt)
		c.RemoteUpdatedAt = fromNanos(remoteAt)
		c.ResolvedAt = fromNanos(resolvedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
