package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

func testEvidence() *Evidence {
	return &Evidence{
		TempID:   "tmp-1",
		UserID:   "user-1",
		ItemType: models.ItemMoodEntry,
		Field:    "notes",
		Reason:   "checksum mismatch",
		Plain:    map[string]interface{}{"mood_score": int64(4)},
		Encrypted: map[string]*models.EncryptedPayload{
			"notes": {Data: "ZGF0YQ==", IV: "aXY=", Version: 1, Checksum: "bad"},
		},
		QuarantinedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

// =====================================================
// CalculateHash Tests
// =====================================================

// TestCalculateHash verifies SHA-256 hex hashing.
func TestCalculateHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", CalculateHash(nil))
	assert.Len(t, CalculateHash([]byte("x")), 64)
	assert.NotEqual(t, CalculateHash([]byte("a")), CalculateHash([]byte("b")))
}

// =====================================================
// DirStore Tests
// =====================================================

// TestDirStore_roundtrip verifies put, get, list and dedup.
func TestDirStore_roundtrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewDirStore(dir)

	ref, err := s.Put(ctx, testEvidence())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, ref[0:2], ref[2:4], ref))

	again, err := s.Put(ctx, testEvidence())
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	ev, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "tmp-1", ev.TempID)
	assert.Equal(t, "bad", ev.Encrypted["notes"].Checksum)
	assert.True(t, ev.QuarantinedAt.Equal(testEvidence().QuarantinedAt))

	refs, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{ref}, refs)
}

// TestDirStore_rejectsPlainPHI verifies sensitive fields cannot be stored in
// plain text.
func TestDirStore_rejectsPlainPHI(t *testing.T) {
	ev := testEvidence()
	ev.Plain["notes"] = "private"
	_, err := NewDirStore(t.TempDir()).Put(context.Background(), ev)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// TestDirStore_missingAndInvalid verifies lookups of unknown refs.
func TestDirStore_missingAndInvalid(t *testing.T) {
	s := NewDirStore(t.TempDir())
	_, err := s.Get(context.Background(), CalculateHash([]byte("nothing")))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = s.Get(context.Background(), "../etc/passwd")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	refs, err := NewDirStore(filepath.Join(t.TempDir(), "absent")).List()
	require.NoError(t, err)
	assert.Empty(t, refs)
}

// TestDirStore_corruption verifies tampered blobs are detected.
func TestDirStore_corruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewDirStore(dir)
	ref, err := s.Put(ctx, testEvidence())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ref[0:2], ref[2:4], ref), []byte("tampered"), 0600))

	_, err = s.Get(ctx, ref)
	assert.True(t, apperrors.Is(err, apperrors.ErrEncryptionIntegrity))
	corrupted, err := s.VerifyAll()
	require.NoError(t, err)
	assert.Equal(t, []string{ref}, corrupted)

	require.NoError(t, s.Delete(ref))
	require.NoError(t, s.Delete(ref))
	refs, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, refs)
}

// =====================================================
// MemoryStore Tests
// =====================================================

// TestMemoryStore verifies the in-process store.
func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref, err := s.Put(ctx, testEvidence())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	ev, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "checksum mismatch", ev.Reason)

	_, err = s.Get(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = s.Put(ctx, &Evidence{})
	assert.Error(t, err)
}
