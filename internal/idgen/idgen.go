// Package idgen issues opaque identifiers for audit entries and backup keys.
package idgen

import "github.com/google/uuid"

// NewFunc returns a random UUID string. Tests may replace it for deterministic ids.
var NewFunc = func() string { return uuid.New().String() }

// New returns a new globally unique identifier as string.
func New() string { return NewFunc() }

// Valid reports whether id parses as a UUID.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
