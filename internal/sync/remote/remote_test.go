package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/batch"
)

// =====================================================
// MemoryServer Tests
// =====================================================

// TestMemoryServer_UpsertIdempotent verifies a tempId is applied once.
func TestMemoryServer_UpsertIdempotent(t *testing.T) {
	s := NewMemoryServer()
	ctx := context.Background()
	rec := Record{TempID: "tmp-1", ItemType: models.ItemMoodEntry, Data: map[string]interface{}{"mood_score": 4}}

	first, err := s.Upsert(ctx, "user-1", models.ItemMoodEntry, []Record{rec})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, StatusOK, first[0].Status)
	assert.NotEmpty(t, first[0].ServerID)

	second, err := s.Upsert(ctx, "user-1", models.ItemMoodEntry, []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, first[0].ServerID, second[0].ServerID)
	assert.Equal(t, 1, s.UpsertCount("tmp-1"))
	assert.Len(t, s.Records("user-1"), 1)
}

// TestMemoryServer_conflict verifies an edit based on a stale timestamp is
// reported as a conflict carrying the remote version.
func TestMemoryServer_conflict(t *testing.T) {
	s := NewMemoryServer()
	ctx := context.Background()
	stored := s.Put(&RemoteRecord{UserID: "user-1", ItemType: models.ItemJournalEntry, Data: map[string]interface{}{"title": "v1"}})
	base := stored.UpdatedAt

	// another device edits after our base
	s.Put(&RemoteRecord{ID: stored.ID, UserID: "user-1", ItemType: models.ItemJournalEntry, Data: map[string]interface{}{"title": "v2"}})

	res, err := s.Upsert(ctx, "user-1", models.ItemJournalEntry, []Record{{
		TempID: "tmp-1", RecordID: stored.ID, BaseUpdatedAt: &base,
		Data: map[string]interface{}{"title": "mine"},
	}})
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res[0].Status)
	require.NotNil(t, res[0].Remote)
	assert.Equal(t, "v2", res[0].Remote.Data["title"])

	current, _ := s.Get(stored.ID)
	fresh := current.UpdatedAt
	res, err = s.Upsert(ctx, "user-1", models.ItemJournalEntry, []Record{{
		TempID: "tmp-2", RecordID: stored.ID, BaseUpdatedAt: &fresh,
		Data: map[string]interface{}{"title": "mine"},
	}})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res[0].Status)
	assert.Equal(t, stored.ID, res[0].ServerID)
}

// TestMemoryServer_poisonAndFailures verifies injected failures.
func TestMemoryServer_poisonAndFailures(t *testing.T) {
	s := NewMemoryServer()
	ctx := context.Background()
	s.Poison("bad")

	_, err := s.Upsert(ctx, "user-1", models.ItemMessage, []Record{{TempID: "good"}, {TempID: "bad"}})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	res, err := s.Upsert(ctx, "user-1", models.ItemMessage, []Record{{TempID: "bad"}})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res[0].Status)
	assert.Equal(t, string(apperrors.ErrValidation), res[0].Code)

	s.FailNext(apperrors.New(apperrors.ErrServiceUnavailable, "down"))
	_, err = s.Upsert(ctx, "user-1", models.ItemMessage, []Record{{TempID: "good"}})
	assert.True(t, apperrors.Is(err, apperrors.ErrServiceUnavailable))

	res, err = s.Upsert(ctx, "user-1", models.ItemMessage, []Record{{TempID: "good"}})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res[0].Status)
	assert.Equal(t, 4, s.Calls())
}

// TestMemoryServer_compressedBody verifies a blob body is decoded.
func TestMemoryServer_compressedBody(t *testing.T) {
	s := NewMemoryServer()
	c := batch.NewCompressor(16)
	packed, err := c.CompressForSync(Body{Data: map[string]interface{}{"body": strings.Repeat("calm ", 100)}})
	require.NoError(t, err)
	require.True(t, packed.Compressed)

	res, err := s.Upsert(context.Background(), "user-1", models.ItemJournalEntry, []Record{{
		TempID: "tmp-1", Blob: packed.Data, Encoding: packed.Encoding,
	}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, res[0].Status)

	rec, ok := s.Get(res[0].ServerID)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("calm ", 100), rec.Data["body"])
}

// TestMemoryServer_FetchChanges verifies the updated_at filter.
func TestMemoryServer_FetchChanges(t *testing.T) {
	s := NewMemoryServer()
	ctx := context.Background()
	a := s.Put(&RemoteRecord{UserID: "user-1", ItemType: models.ItemMoodEntry})
	b := s.Put(&RemoteRecord{UserID: "user-1", ItemType: models.ItemMoodEntry})
	s.Put(&RemoteRecord{UserID: "user-2", ItemType: models.ItemMoodEntry})

	all, err := s.FetchChanges(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Len(t, all.Records, 2)
	assert.Equal(t, a.ID, all.Records[0].ID)
	assert.True(t, all.ServerTime.After(b.UpdatedAt))

	since := a.UpdatedAt
	delta, err := s.FetchChanges(ctx, "user-1", &since)
	require.NoError(t, err)
	require.Len(t, delta.Records, 1)
	assert.Equal(t, b.ID, delta.Records[0].ID)
}

// =====================================================
// HTTPClient Tests
// =====================================================

// TestHTTPClient_Upsert verifies the request shape and response parsing.
func TestHTTPClient_Upsert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, upsertPath, r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Sync-Signature"))

		var req upsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user-1", req.UserID)
		assert.Equal(t, models.ItemMessage, req.ItemType)

		results := make([]UpsertResult, 0, len(req.Records))
		for _, rec := range req.Records {
			results = append(results, UpsertResult{TempID: rec.TempID, ServerID: "srv-" + rec.TempID, Status: StatusOK})
		}
		_ = json.NewEncoder(w).Encode(upsertResponse{Results: results})
	}))
	defer srv.Close()

	c := NewHTTPClient(&HTTPConfig{BaseURL: srv.URL, APIKey: "key", SigningKey: "sign"})
	res, err := c.Upsert(context.Background(), "user-1", models.ItemMessage, []Record{{TempID: "a"}, {TempID: "b"}})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "srv-b", res[1].ServerID)
}

// TestHTTPClient_statusMapping verifies HTTP statuses map onto error codes.
func TestHTTPClient_statusMapping(t *testing.T) {
	tests := []struct {
		status int
		code   apperrors.ErrorCode
	}{
		{http.StatusServiceUnavailable, apperrors.ErrServiceUnavailable},
		{http.StatusTooManyRequests, apperrors.ErrServiceUnavailable},
		{http.StatusGatewayTimeout, apperrors.ErrSyncTimeout},
		{http.StatusBadRequest, apperrors.ErrValidation},
		{http.StatusInternalServerError, apperrors.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := NewHTTPClient(&HTTPConfig{BaseURL: srv.URL})
			_, err := c.Upsert(context.Background(), "user-1", models.ItemMessage, []Record{{TempID: "a"}})
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
		})
	}
}

// TestHTTPClient_FetchChanges verifies the since filter reaches the query.
func TestHTTPClient_FetchChanges(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, changesPath, r.URL.Path)
		assert.Equal(t, "gt.2026-01-02T03:04:05Z", r.URL.Query().Get("updated_at"))
		assert.Equal(t, "eq.user-1", r.URL.Query().Get("user_id"))
		_ = json.NewEncoder(w).Encode(ChangeSet{
			Records: []*RemoteRecord{{ID: "r1", UserID: "user-1", ItemType: models.ItemMoodEntry}},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(&HTTPConfig{BaseURL: srv.URL + "/"})
	cs, err := c.FetchChanges(context.Background(), "user-1", &since)
	require.NoError(t, err)
	require.Len(t, cs.Records, 1)
	assert.Equal(t, "r1", cs.Records[0].ID)
	assert.False(t, cs.ServerTime.IsZero())
}

// TestHTTPClient_unreachable verifies transport errors are transient.
func TestHTTPClient_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(&HTTPConfig{BaseURL: url, Timeout: time.Second})
	_, err := c.FetchChanges(context.Background(), "user-1", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}
