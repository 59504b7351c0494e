package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// TestEncryptFields_onlySensitive verifies only the classified fields leave
// the plain map.
func TestEncryptFields_onlySensitive(t *testing.T) {
	g := newTestGateway(t)
	data := map[string]interface{}{
		"description": "panic attack at work",
		"location":    "office",
		"severity":    "high",
	}

	plain, enc, err := EncryptFields(context.Background(), g, "user-1", models.ItemCrisisEvent, "tmp-1", data)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"severity": "high"}, plain)
	require.Len(t, enc, 2)
	assert.Contains(t, enc, "description")
	assert.Contains(t, enc, "location")
	// input untouched
	assert.Equal(t, "office", data["location"])
}

// TestDecryptFields_roundtrip verifies DecryptFields restores the original map.
func TestDecryptFields_roundtrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	data := map[string]interface{}{"notes": "slept badly", "mood_score": "3"}

	plain, enc, err := EncryptFields(ctx, g, "user-1", models.ItemMoodEntry, "tmp-1", data)
	require.NoError(t, err)

	field, res := VerifyFields(g, enc)
	assert.True(t, res.IsValid)
	assert.Empty(t, field)

	out, err := DecryptFields(ctx, g, "user-1", models.ItemMoodEntry, "tmp-1", plain, enc)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

// TestDecryptFields_rejectsMovedEnvelope verifies an envelope sealed for one
// record's field does not open in another record or field.
func TestDecryptFields_rejectsMovedEnvelope(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	_, encA, err := EncryptFields(ctx, g, "user-1", models.ItemMoodEntry, "temp-A",
		map[string]interface{}{"notes": "A private"})
	require.NoError(t, err)
	plainB, encB, err := EncryptFields(ctx, g, "user-1", models.ItemCrisisEvent, "temp-B",
		map[string]interface{}{"description": "B private", "severity": "low"})
	require.NoError(t, err)

	// A's notes placed as B's description
	encB["description"] = encA["notes"]
	_, err = DecryptFields(ctx, g, "user-1", models.ItemCrisisEvent, "temp-B", plainB, encB)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrEncryptionIntegrity))
	assert.ErrorIs(t, err, ErrContextMismatch)

	// same field name, different record
	_, encA2, err := EncryptFields(ctx, g, "user-1", models.ItemMoodEntry, "temp-A2",
		map[string]interface{}{"notes": "A2 private"})
	require.NoError(t, err)
	_, err = DecryptFields(ctx, g, "user-1", models.ItemMoodEntry, "temp-A2", nil, encA)
	assert.ErrorIs(t, err, ErrContextMismatch)

	out, err := DecryptFields(ctx, g, "user-1", models.ItemMoodEntry, "temp-A2", nil, encA2)
	require.NoError(t, err)
	assert.Equal(t, "A2 private", out["notes"])
}

// TestVerifyFields_reportsTamperedField verifies the failing field is named.
func TestVerifyFields_reportsTamperedField(t *testing.T) {
	g := newTestGateway(t)
	_, enc, err := EncryptFields(context.Background(), g, "user-1", models.ItemMessage, "tmp-1",
		map[string]interface{}{"content": "hello"})
	require.NoError(t, err)

	enc["content"].Checksum = "AAAA"
	field, res := VerifyFields(g, enc)
	assert.Equal(t, "content", field)
	assert.False(t, res.IsValid)
	assert.False(t, res.ChecksumMatch)
}
