package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/batch"
	"github.com/kimhsiao/mindharbor/backend/internal/uuid"
)

// MemoryServer is an in-process Client that behaves like the remote store:
// it assigns server ids, keeps upserts idempotent per tempId and reports a
// conflict when a record changed after the client's base timestamp.
type MemoryServer struct {
	mu         sync.Mutex
	records    map[string]*RemoteRecord
	byTemp     map[string]string
	upserts    map[string]int
	poisoned   map[string]bool
	failures   []error
	calls      int
	last       time.Time
	now        func() time.Time
	compressor *batch.Compressor

	// OnUpsert runs at the start of every Upsert call, outside the lock.
	OnUpsert func(ctx context.Context, userID string, itemType models.ItemType, records []Record)
}

var _ Client = (*MemoryServer)(nil)

// NewMemoryServer creates an empty MemoryServer.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		records:    make(map[string]*RemoteRecord),
		byTemp:     make(map[string]string),
		upserts:    make(map[string]int),
		poisoned:   make(map[string]bool),
		now:        time.Now,
		compressor: batch.NewCompressor(0),
	}
}

// SetClock replaces the time source used for server timestamps.
func (s *MemoryServer) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// FailNext makes the next len(errs) calls fail with errs in order.
func (s *MemoryServer) FailNext(errs ...error) {
	s.mu.Lock()
	s.failures = append(s.failures, errs...)
	s.mu.Unlock()
}

// Poison makes tempID unacceptable: a multi-record call containing it is
// rejected as a whole, a single-record call reports a per-record error.
func (s *MemoryServer) Poison(tempID string) {
	s.mu.Lock()
	s.poisoned[tempID] = true
	s.mu.Unlock()
}

// Put stores a record as if another device had written it and returns the
// stored copy.
func (s *MemoryServer) Put(rec *RemoteRecord) *RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New()
	}
	cp.Data = models.ClonePayload(rec.Data)
	cp.UpdatedAt = s.tick()
	s.records[cp.ID] = &cp
	out := cp
	return &out
}

// Get returns a copy of the record with server id.
func (s *MemoryServer) Get(id string) (*RemoteRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Records returns every record of userID ordered by UpdatedAt.
func (s *MemoryServer) Records(userID string) []*RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(userID, nil)
}

// UpsertCount returns how many times tempID was applied as a new record.
func (s *MemoryServer) UpsertCount(tempID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts[tempID]
}

// Calls returns the number of Upsert and FetchChanges calls.
func (s *MemoryServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Upsert implements Client.
func (s *MemoryServer) Upsert(ctx context.Context, userID string, itemType models.ItemType, records []Record) ([]UpsertResult, error) {
	if s.OnUpsert != nil {
		s.OnUpsert(ctx, userID, itemType, records)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.nextFailure(); err != nil {
		return nil, err
	}
	if len(records) > 1 {
		for _, r := range records {
			if s.poisoned[r.TempID] {
				return nil, apperrors.Newf(apperrors.ErrValidation, "batch rejected: record %s", r.TempID)
			}
		}
	}

	results := make([]UpsertResult, 0, len(records))
	for _, r := range records {
		results = append(results, s.applyLocked(userID, itemType, r))
	}
	return results, nil
}

func (s *MemoryServer) applyLocked(userID string, itemType models.ItemType, r Record) UpsertResult {
	res := UpsertResult{TempID: r.TempID}
	fail := func(code apperrors.ErrorCode, msg string) UpsertResult {
		res.Status = StatusError
		res.Code = string(code)
		res.Error = msg
		return res
	}

	if r.TempID == "" {
		return fail(apperrors.ErrValidation, "missing temp_id")
	}
	if s.poisoned[r.TempID] {
		return fail(apperrors.ErrValidation, "record rejected")
	}
	if id, ok := s.byTemp[r.TempID]; ok {
		res.Status = StatusOK
		res.ServerID = id
		res.UpdatedAt = s.records[id].UpdatedAt
		return res
	}

	body := Body{Data: r.Data, Encrypted: r.Encrypted}
	if r.Encoding != "" {
		if err := s.compressor.Decompress(r.Encoding, r.Blob, &body); err != nil {
			return fail(apperrors.ErrValidation, err.Error())
		}
	}

	if r.RecordID != "" {
		existing, ok := s.records[r.RecordID]
		if !ok {
			return fail(apperrors.ErrNotFound, "record not found")
		}
		if r.BaseUpdatedAt != nil && existing.UpdatedAt.After(*r.BaseUpdatedAt) {
			cp := *existing
			cp.Data = models.ClonePayload(existing.Data)
			res.Status = StatusConflict
			res.Code = string(apperrors.ErrSyncConflict)
			res.Remote = &cp
			return res
		}
		existing.Data = models.ClonePayload(body.Data)
		existing.Encrypted = body.Encrypted
		existing.DeviceID = r.DeviceID
		existing.TempID = r.TempID
		existing.UpdatedAt = s.tick()
		s.byTemp[r.TempID] = existing.ID
		s.upserts[r.TempID]++
		res.Status = StatusOK
		res.ServerID = existing.ID
		res.UpdatedAt = existing.UpdatedAt
		return res
	}

	rec := &RemoteRecord{
		ID:        uuid.New(),
		TempID:    r.TempID,
		UserID:    userID,
		DeviceID:  r.DeviceID,
		ItemType:  itemType,
		Data:      models.ClonePayload(body.Data),
		Encrypted: body.Encrypted,
		UpdatedAt: s.tick(),
	}
	s.records[rec.ID] = rec
	s.byTemp[r.TempID] = rec.ID
	s.upserts[r.TempID]++
	res.Status = StatusOK
	res.ServerID = rec.ID
	res.UpdatedAt = rec.UpdatedAt
	return res
}

// FetchChanges implements Client.
func (s *MemoryServer) FetchChanges(ctx context.Context, userID string, since *time.Time) (*ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.nextFailure(); err != nil {
		return nil, err
	}
	return &ChangeSet{Records: s.listLocked(userID, since), ServerTime: s.tick()}, nil
}

func (s *MemoryServer) listLocked(userID string, since *time.Time) []*RemoteRecord {
	var out []*RemoteRecord
	for _, rec := range s.records {
		if rec.UserID != userID {
			continue
		}
		if since != nil && !rec.UpdatedAt.After(*since) {
			continue
		}
		cp := *rec
		cp.Data = models.ClonePayload(rec.Data)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

func (s *MemoryServer) nextFailure() error {
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

// tick returns a strictly increasing server timestamp.
func (s *MemoryServer) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}
