// Package conflict provides unit tests for conflict resolution.
package conflict

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/mindharbor/backend/internal/crypto"
	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestResolver() (*Resolver, *MemoryHistory) {
	h := NewMemoryHistory()
	r := NewResolver(h, nil)
	tick := t0
	r.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	return r, h
}

func newConflict(t models.ItemType, local, remote map[string]interface{}, localAt, remoteAt time.Time) *Conflict {
	return &Conflict{
		UserID:   "user-1",
		ItemID:   "item-1",
		ItemType: t,
		Local:    &Version{ID: "item-1", ItemType: t, Data: local, UpdatedAt: localAt},
		Remote:   &Version{ID: "item-1", ItemType: t, Data: remote, UpdatedAt: remoteAt},
	}
}

// =====================================================
// Detection Tests
// =====================================================

// TestDetectConflict verifies divergence and the base timestamp rule.
func TestDetectConflict(t *testing.T) {
	r, _ := newTestResolver()
	local := &Version{ID: "a", ItemType: models.ItemJournalEntry, Data: map[string]interface{}{"title": "mine"}, UpdatedAt: t0}
	remote := &Version{ID: "a", ItemType: models.ItemJournalEntry, Data: map[string]interface{}{"title": "theirs"}, UpdatedAt: t0.Add(time.Minute)}

	c, ok := r.DetectConflict("user-1", nil, local, remote)
	require.True(t, ok)
	assert.Equal(t, "a", c.ItemID)
	assert.NotEmpty(t, c.ConflictID)

	// remote not newer than what the client last saw
	base := t0.Add(time.Minute)
	_, ok = r.DetectConflict("user-1", &base, local, remote)
	assert.False(t, ok)

	earlier := t0
	_, ok = r.DetectConflict("user-1", &earlier, local, remote)
	assert.True(t, ok)
}

// TestDetectConflict_identicalValues verifies equal data is not a conflict,
// including numbers decoded into different Go types and metadata drift.
func TestDetectConflict_identicalValues(t *testing.T) {
	r, _ := newTestResolver()
	local := &Version{ID: "a", Data: map[string]interface{}{"mood_score": 5, "updated_at": "x"}, UpdatedAt: t0}
	remote := &Version{ID: "a", Data: map[string]interface{}{"mood_score": float64(5), "updated_at": "y"}, UpdatedAt: t0.Add(time.Minute)}

	_, ok := r.DetectConflict("user-1", nil, local, remote)
	assert.False(t, ok)

	_, ok = r.DetectConflict("user-1", nil, nil, remote)
	assert.False(t, ok)
}

// =====================================================
// Last Write Wins Tests
// =====================================================

// TestResolverLastWriteWins verifies the later version wins in full.
func TestResolverLastWriteWins(t *testing.T) {
	r, _ := newTestResolver()
	c := newConflict(models.ItemJournalEntry,
		map[string]interface{}{"title": "Local Title"},
		map[string]interface{}{"title": "Remote Title"},
		t0.Add(100*time.Second), t0)

	res, err := r.ResolveConflict(context.Background(), c, models.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, models.WinnerLocal, res.Winner)
	assert.Equal(t, "local_wins", res.Resolution)
	assert.Equal(t, "Local Title", res.Data["title"])
	assert.False(t, res.RequiresUserInput)

	c = newConflict(models.ItemJournalEntry,
		map[string]interface{}{"title": "Local Title"},
		map[string]interface{}{"title": "Remote Title"},
		t0, t0.Add(100*time.Second))
	res, err = r.ResolveConflict(context.Background(), c, models.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, models.WinnerServer, res.Winner)
	assert.Equal(t, "remote_wins", res.Resolution)
	assert.Equal(t, "Remote Title", res.Data["title"])
}

// TestResolverLastWriteWins_tieGoesToServer verifies equal timestamps keep
// the server version.
func TestResolverLastWriteWins_tieGoesToServer(t *testing.T) {
	r, _ := newTestResolver()
	c := newConflict(models.ItemJournalEntry,
		map[string]interface{}{"title": "L"},
		map[string]interface{}{"title": "R"},
		t0, t0)

	res, err := r.ResolveConflict(context.Background(), c, models.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, models.WinnerServer, res.Winner)
}

// TestResolveConflict_invalid verifies nil versions and unknown strategies
// are rejected.
func TestResolveConflict_invalid(t *testing.T) {
	r, _ := newTestResolver()
	_, err := r.ResolveConflict(context.Background(), &Conflict{}, models.StrategyMerge)
	assert.True(t, IsConflictError(err))

	c := newConflict(models.ItemJournalEntry, map[string]interface{}{}, map[string]interface{}{}, t0, t0)
	_, err = r.ResolveConflict(context.Background(), c, "coin_flip")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// =====================================================
// Merge Tests
// =====================================================

// TestResolverMerge verifies the field union and default local policy.
func TestResolverMerge(t *testing.T) {
	r, _ := newTestResolver()
	c := newConflict(models.ItemMoodEntry,
		map[string]interface{}{"mood_score": 5, "notes": "local notes", "tags": "sleep"},
		map[string]interface{}{"mood_score": 5, "notes": "remote notes", "energy": 3},
		t0, t0.Add(time.Minute))

	res, err := r.ResolveConflict(context.Background(), c, models.StrategyMerge)
	require.NoError(t, err)

	assert.Equal(t, models.WinnerMerged, res.Winner)
	assert.Equal(t, []string{"notes"}, res.MergedFields)
	assert.Equal(t, "local notes", res.Data["notes"])
	assert.Equal(t, "sleep", res.Data["tags"])
	assert.Equal(t, 3, res.Data["energy"])
	assert.False(t, res.RequiresUserInput)
}

// TestResolverMerge_policies verifies remote and latest policies.
func TestResolverMerge_policies(t *testing.T) {
	r, _ := newTestResolver()
	c := newConflict(models.ItemCrisisEvent,
		map[string]interface{}{"resources_shown": "hotline", "trigger": "work"},
		map[string]interface{}{"resources_shown": "hotline,chat", "trigger": "family"},
		t0.Add(time.Hour), t0)

	res, err := r.ResolveConflict(context.Background(), c, models.StrategyMerge)
	require.NoError(t, err)
	assert.Equal(t, "hotline,chat", res.Data["resources_shown"])
	assert.Equal(t, "work", res.Data["trigger"])
	assert.Equal(t, []string{"trigger"}, res.MergedFields)

	c = newConflict(models.ItemJournalEntry,
		map[string]interface{}{"title": "old"},
		map[string]interface{}{"title": "new"},
		t0, t0.Add(time.Hour))
	res, err = r.ResolveConflict(context.Background(), c, models.StrategyMerge)
	require.NoError(t, err)
	assert.Equal(t, "new", res.Data["title"])
	assert.Empty(t, res.MergedFields)
}

// TestResolverMerge_escalatesClinicalField verifies a differing mood score
// is never merged silently.
func TestResolverMerge_escalatesClinicalField(t *testing.T) {
	r, _ := newTestResolver()
	c := newConflict(models.ItemMoodEntry,
		map[string]interface{}{"mood_score": 2},
		map[string]interface{}{"mood_score": 7},
		t0, t0.Add(time.Minute))

	res, err := r.ResolveConflict(context.Background(), c, models.StrategyMerge)
	require.NoError(t, err)
	assert.True(t, res.RequiresUserInput)
	assert.Equal(t, models.WinnerPending, res.Winner)
	assert.Equal(t, []string{"mood_score"}, res.ConflictingFields)
	require.Len(t, res.Candidates, 3)
}

// =====================================================
// User Choice Tests
// =====================================================

// TestResolverUserChoice verifies the three candidates and text diffs.
func TestResolverUserChoice(t *testing.T) {
	r, _ := newTestResolver()
	c := newConflict(models.ItemMessage,
		map[string]interface{}{"content": "hello world", "role": "user"},
		map[string]interface{}{"content": "hello there", "role": "assistant"},
		t0, t0.Add(time.Minute))

	res, err := r.ResolveConflict(context.Background(), c, models.StrategyUserChoice)
	require.NoError(t, err)

	assert.True(t, res.RequiresUserInput)
	assert.Equal(t, []string{"content", "role"}, res.ConflictingFields)
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, CandidateLocal, res.Candidates[0].Label)
	assert.Equal(t, CandidateServer, res.Candidates[1].Label)
	assert.Equal(t, CandidateMerge, res.Candidates[2].Label)

	require.Len(t, res.Diffs, 2)
	assert.Equal(t, "content", res.Diffs[0].Field)
	assert.NotEmpty(t, res.Diffs[0].Patch)

	pending, ok := r.Pending(res.ConflictID)
	require.True(t, ok)
	assert.Equal(t, res, pending)
}

// TestResolverUserChoice_noScalarConflict verifies structural differences
// fall back to a merge.
func TestResolverUserChoice_noScalarConflict(t *testing.T) {
	r, _ := newTestResolver()
	c := newConflict(models.ItemJournalEntry,
		map[string]interface{}{"tags": []interface{}{"a"}},
		map[string]interface{}{"tags": []interface{}{"b"}},
		t0, t0.Add(time.Minute))

	res, err := r.ResolveConflict(context.Background(), c, models.StrategyUserChoice)
	require.NoError(t, err)
	assert.False(t, res.RequiresUserInput)
	assert.Equal(t, models.StrategyUserChoice, res.Strategy)
	assert.Equal(t, models.WinnerMerged, res.Winner)
}

// TestResolveUserChoice verifies a pending conflict is settled once.
func TestResolveUserChoice(t *testing.T) {
	r, h := newTestResolver()
	ctx := context.Background()
	c := newConflict(models.ItemMoodEntry,
		map[string]interface{}{"mood_score": 2},
		map[string]interface{}{"mood_score": 7},
		t0, t0.Add(time.Minute))

	res, err := r.ResolveConflict(ctx, c, models.StrategyUserChoice)
	require.NoError(t, err)

	_, err = r.ResolveUserChoice(ctx, res.ConflictID, "neither")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	final, err := r.ResolveUserChoice(ctx, res.ConflictID, CandidateServer)
	require.NoError(t, err)
	assert.Equal(t, models.WinnerServer, final.Winner)
	assert.Equal(t, 7, final.Data["mood_score"])

	_, err = r.ResolveUserChoice(ctx, res.ConflictID, CandidateLocal)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	records, err := h.ListConflicts(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "user_choice:server", records[0].Resolution)
	assert.Equal(t, models.WinnerPending, records[1].Winner)
}

// =====================================================
// History Tests
// =====================================================

// TestConflictHistory_redactedNewestFirst verifies sensitive values never
// reach the history and ordering is newest first.
func TestConflictHistory_redactedNewestFirst(t *testing.T) {
	r, _ := newTestResolver()
	ctx := context.Background()

	for i, content := range []string{"first secret", "second secret"} {
		c := newConflict(models.ItemMessage,
			map[string]interface{}{"content": content, "n": i},
			map[string]interface{}{"content": "server copy", "n": i + 10},
			t0.Add(time.Hour), t0)
		_, err := r.ResolveConflict(ctx, c, models.StrategyLastWriteWins)
		require.NoError(t, err)
	}

	records, err := r.GetConflictHistory(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].ResolvedAt.After(records[1].ResolvedAt))
	assert.Equal(t, 1, records[0].LocalVersion["n"])
	for _, rec := range records {
		assert.Equal(t, models.RedactedValue, rec.LocalVersion["content"])
		assert.Equal(t, models.RedactedValue, rec.RemoteVersion["content"])
	}

	limited, err := r.GetConflictHistory(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	other, err := r.GetConflictHistory(ctx, "user-2", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

// TestResolveMultiple verifies every conflict gets a resolution.
func TestResolveMultiple(t *testing.T) {
	r, h := newTestResolver()
	conflicts := []*Conflict{
		newConflict(models.ItemJournalEntry, map[string]interface{}{"title": "a"}, map[string]interface{}{"title": "b"}, t0, t0.Add(time.Second)),
		newConflict(models.ItemJournalEntry, map[string]interface{}{"title": "c"}, map[string]interface{}{"title": "d"}, t0.Add(time.Second), t0),
	}

	results, err := r.ResolveMultiple(context.Background(), conflicts, models.StrategyLastWriteWins)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.WinnerServer, results[0].Winner)
	assert.Equal(t, models.WinnerLocal, results[1].Winner)

	records, _ := h.ListConflicts(context.Background(), "user-1", 0)
	assert.Len(t, records, 2)
}

// =====================================================
// Encrypted Conflict Tests
// =====================================================

func newGateway(t *testing.T) *crypto.AESGateway {
	t.Helper()
	g, err := crypto.NewAESGateway(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	return g
}

func encryptedVersion(t *testing.T, g crypto.Gateway, data map[string]interface{}, at time.Time) *EncryptedVersion {
	t.Helper()
	plain, enc, err := crypto.EncryptFields(context.Background(), g, "user-1", models.ItemMessage, "item-1", data)
	require.NoError(t, err)
	return &EncryptedVersion{ID: "item-1", TempID: "item-1", ItemType: models.ItemMessage, Plain: plain, Encrypted: enc, UpdatedAt: at}
}

// TestResolveEncryptedConflict verifies nothing is decrypted up front and
// the key references are returned.
func TestResolveEncryptedConflict(t *testing.T) {
	r, h := newTestResolver()
	g := newGateway(t)
	ctx := context.Background()

	local := encryptedVersion(t, g, map[string]interface{}{"content": "I feel better"}, t0.Add(time.Minute))
	remote := encryptedVersion(t, g, map[string]interface{}{"content": "I feel worse"}, t0)

	ec, err := r.ResolveEncryptedConflict(ctx, g, local, remote, "user-1")
	require.NoError(t, err)
	assert.True(t, ec.RequiresDecryption)
	require.Len(t, ec.KeyRefs, 1)
	assert.Equal(t, g.KeyReference("user-1").KeyID, ec.KeyRefs[0].KeyID)

	records, _ := h.ListConflicts(ctx, "user-1", 0)
	assert.Empty(t, records)

	res, err := r.ResolveDecrypted(ctx, g, ec, models.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, models.WinnerLocal, res.Winner)
	assert.Equal(t, "I feel better", res.Data["content"])

	records, _ = h.ListConflicts(ctx, "user-1", 0)
	require.Len(t, records, 1)
	assert.Equal(t, models.RedactedValue, records[0].LocalVersion["content"])
}

// TestResolveDecrypted_integrityFailure verifies tampered envelopes are
// rejected before decryption.
func TestResolveDecrypted_integrityFailure(t *testing.T) {
	r, _ := newTestResolver()
	g := newGateway(t)
	ctx := context.Background()

	local := encryptedVersion(t, g, map[string]interface{}{"content": "a"}, t0)
	remote := encryptedVersion(t, g, map[string]interface{}{"content": "b"}, t0)
	remote.Encrypted["content"].Checksum = "bogus"

	ec, err := r.ResolveEncryptedConflict(ctx, g, local, remote, "user-1")
	require.NoError(t, err)

	_, err = r.ResolveDecrypted(ctx, g, ec, models.StrategyMerge)
	assert.True(t, apperrors.Is(err, apperrors.ErrEncryptionIntegrity))
}
