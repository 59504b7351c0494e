// Package errors tests for error code definitions and error handling.
package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorCodeValues verifies all error codes have non-empty, distinct values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrDuplicate, ErrValidation,
		ErrDatabase, ErrMigration,
		ErrNetwork, ErrOffline, ErrServiceUnavailable,
		ErrSyncFailed, ErrSyncConflict, ErrSyncTimeout, ErrSyncInProgress, ErrSyncAborted,
		ErrStorageQuota,
		ErrCryptoFailed, ErrEncryptionIntegrity,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: New(ErrInternal, "something failed"),
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: Wrap(ErrDatabase, "query failed", fmt.Errorf("disk I/O")),
			want:     "[DATABASE_ERROR] query failed: disk I/O",
		},
		{
			name:     "formatted message",
			appError: Newf(ErrStorageQuota, "need %d bytes", 42),
			want:     "[STORAGE_QUOTA_EXCEEDED] need 42 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

// TestIs verifies code matching through wrap chains.
func TestIs(t *testing.T) {
	inner := New(ErrServiceUnavailable, "503")
	outer := Wrap(ErrSyncFailed, "upload", inner)
	foreign := fmt.Errorf("batch 2: %w", outer)

	assert.True(t, Is(outer, ErrSyncFailed))
	assert.True(t, Is(outer, ErrServiceUnavailable))
	assert.True(t, Is(foreign, ErrServiceUnavailable))
	assert.False(t, Is(foreign, ErrValidation))
	assert.False(t, Is(nil, ErrInternal))
	assert.False(t, Is(fmt.Errorf("plain"), ErrInternal))
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrSyncFailed, CodeOf(Wrap(ErrSyncFailed, "x", New(ErrNetwork, "y"))))
	assert.Equal(t, ErrInternal, CodeOf(fmt.Errorf("plain")))
}

// TestIsTransient verifies retry classification.
func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", New(ErrNetwork, "reset"), true},
		{"timeout", New(ErrSyncTimeout, "slow"), true},
		{"service unavailable", New(ErrServiceUnavailable, "503"), true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"wrapped network", Wrap(ErrSyncFailed, "upload", New(ErrNetwork, "reset")), true},
		{"validation", New(ErrValidation, "bad"), false},
		{"integrity", New(ErrEncryptionIntegrity, "checksum"), false},
		{"quota", New(ErrStorageQuota, "full"), false},
		{"plain", fmt.Errorf("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
