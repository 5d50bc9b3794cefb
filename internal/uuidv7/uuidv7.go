// Package uuidv7 mints time-ordered UUIDs. lockd uses it for exactly one
// thing: internal/correlation.Generate stamps each accepted connection with
// one of these as its correlation id.
package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
// Generation only fails when the system clock or entropy source is broken,
// conditions a running server cannot recover from anyway.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}
