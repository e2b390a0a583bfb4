// Package snapshot persists immutable, content-addressed menu snapshots.
package snapshot

import "errors"

var (
	// ErrCorrupted indicates a checksum mismatch on read. Fatal for that
	// read, surfaced immediately, never auto-repaired.
	ErrCorrupted = errors.New("snapshot: corrupted")

	// ErrNotFound indicates no snapshot exists for the requested checksum
	// or no published snapshot exists for the scope.
	ErrNotFound = errors.New("snapshot: not found")
)
