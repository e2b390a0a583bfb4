// Package version orchestrates the version lifecycle: creation, publishing,
// rollback, and comparison.
package version

import "errors"

var (
	// ErrConflict indicates another version was created for the scope after
	// the caller's observed parent. Re-fetch the head and retry.
	ErrConflict = errors.New("version: concurrent version conflict")

	// ErrNotFound indicates an unknown version or scope.
	ErrNotFound = errors.New("version: not found")

	// ErrCrossScope indicates a rollback target belonging to another scope.
	ErrCrossScope = errors.New("version: cross-scope rollback")

	// ErrImmutable indicates an attempted state change on a published
	// version other than rollback supersession.
	ErrImmutable = errors.New("version: published versions are immutable")
)
