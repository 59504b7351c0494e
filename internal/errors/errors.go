// Package errors provides error code definitions shared by the sync engine
// and the mobile bridge.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to the app.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Network errors
	ErrNetwork            ErrorCode = "NETWORK_ERROR"
	ErrOffline            ErrorCode = "NETWORK_OFFLINE"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncAborted    ErrorCode = "SYNC_ABORTED"

	// Storage errors
	ErrStorageQuota ErrorCode = "STORAGE_QUOTA_EXCEEDED"

	// Crypto errors
	ErrCryptoFailed        ErrorCode = "CRYPTO_FAILED"
	ErrEncryptionIntegrity ErrorCode = "ENCRYPTION_INTEGRITY_ERROR"
)

// transientCodes are failures worth retrying with backoff.
var transientCodes = map[ErrorCode]bool{
	ErrNetwork:            true,
	ErrSyncTimeout:        true,
	ErrServiceUnavailable: true,
}

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost error code, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts and service unavailability. Validation, conflict, integrity and
// quota errors are permanent for the attempt that produced them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if transientCodes[appErr.Code] {
			return true
		}
		err = appErr.Err
	}
	return false
}
