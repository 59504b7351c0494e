// Package uuid provides identifier generation for queue items, sync sessions
// and conflict records.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a canonical, lower-or-upper case UUID v4.
func IsValid(s string) bool {
	return Validate(s) == nil
}

// Validate returns an error if the string is not a canonical UUID v4.
func Validate(s string) error {
	if len(s) != 36 {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return fmt.Errorf("expected UUID v4, got %q", s)
	}
	return nil
}

// Ensure returns id normalized to lower case when it is a valid UUID v4,
// or a freshly generated one when id is empty.
func Ensure(id string) (string, error) {
	if id == "" {
		return New(), nil
	}
	if err := Validate(id); err != nil {
		return "", err
	}
	return strings.ToLower(id), nil
}
