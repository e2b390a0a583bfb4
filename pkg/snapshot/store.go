// ABOUTME: Content-addressed snapshot store with checksum verification
// ABOUTME: Full-scope snapshots, immutable once written

package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AuraTechWave/menuvault/pkg/menu"
	"github.com/AuraTechWave/menuvault/pkg/storage"
)

// Schema is the snapshot store's schema fragment. Snapshot bodies are never
// updated after insert; the head table tracks each scope's current published
// snapshot.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    checksum   TEXT PRIMARY KEY,
    scope_id   TEXT NOT NULL,
    body       BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_scope ON snapshots(scope_id, created_at);

CREATE TABLE IF NOT EXISTS scope_heads (
    scope_id   TEXT PRIMARY KEY,
    checksum   TEXT NOT NULL REFERENCES snapshots(checksum),
    updated_at INTEGER NOT NULL
);
`

// Store persists full-scope snapshots keyed by content checksum. Storage
// granularity is the whole scope, not incremental deltas, trading size for
// rollback simplicity and read-path speed.
type Store struct {
	db *storage.DB
}

// NewStore creates a store and applies its schema.
func NewStore(db *storage.DB) (*Store, error) {
	if err := db.ApplySchema(Schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Put serializes and stores the snapshot, returning its content checksum.
// Re-putting identical content is a no-op returning the same checksum, which
// is how accidental duplicate versions are detected upstream.
func (s *Store) Put(ctx context.Context, scope string, snap *menu.Snapshot) (string, error) {
	body, err := menu.MarshalCanonical(snap)
	if err != nil {
		return "", err
	}
	checksum := menu.ChecksumBytes(body)

	_, err = s.db.SQL.ExecContext(ctx,
		`INSERT INTO snapshots (checksum, scope_id, body, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(checksum) DO NOTHING`,
		checksum, scope, body, time.Now().UnixMilli())
	if err != nil {
		return "", storage.Wrap("snapshot put", err)
	}
	return checksum, nil
}

// Get loads and verifies a snapshot. The stored bytes are re-hashed on every
// read; a mismatch returns ErrCorrupted. This is the integrity backstop for
// rollback safety.
func (s *Store) Get(ctx context.Context, checksum string) (*menu.Snapshot, error) {
	body, err := s.getBytes(ctx, checksum)
	if err != nil {
		return nil, err
	}
	return menu.Decode(body)
}

// GetBytes returns the verified canonical bytes of a snapshot. Rollback uses
// this to make a byte-identical copy without a decode round trip.
func (s *Store) GetBytes(ctx context.Context, checksum string) ([]byte, error) {
	return s.getBytes(ctx, checksum)
}

func (s *Store) getBytes(ctx context.Context, checksum string) ([]byte, error) {
	var body []byte
	err := s.db.SQL.QueryRowContext(ctx,
		`SELECT body FROM snapshots WHERE checksum = ?`, checksum).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, checksum)
	}
	if err != nil {
		return nil, storage.Wrap("snapshot get", err)
	}

	if got := menu.ChecksumBytes(body); got != checksum {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrCorrupted, checksum, got)
	}
	return body, nil
}

// LatestPublished returns the scope's current published snapshot.
func (s *Store) LatestPublished(ctx context.Context, scope string) (*menu.Snapshot, error) {
	var checksum string
	err := s.db.SQL.QueryRowContext(ctx,
		`SELECT checksum FROM scope_heads WHERE scope_id = ?`, scope).Scan(&checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no published snapshot for scope %s", ErrNotFound, scope)
	}
	if err != nil {
		return nil, storage.Wrap("snapshot head", err)
	}
	return s.Get(ctx, checksum)
}

// SetLatestPublished moves the scope's published pointer. Called by the
// version manager on publish and rollback, never by the store itself.
func (s *Store) SetLatestPublished(ctx context.Context, scope, checksum string) error {
	_, err := s.db.SQL.ExecContext(ctx,
		`INSERT INTO scope_heads (scope_id, checksum, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET checksum = excluded.checksum,
		updated_at = excluded.updated_at`,
		scope, checksum, time.Now().UnixMilli())
	return storage.Wrap("snapshot set head", err)
}

// Prune removes snapshots created before the cutoff that are not any scope's
// current head. Retention is host policy; the engine never calls this.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.SQL.ExecContext(ctx,
		`DELETE FROM snapshots WHERE created_at < ?
		AND checksum NOT IN (SELECT checksum FROM scope_heads)`,
		olderThan.UnixMilli())
	if err != nil {
		return 0, storage.Wrap("snapshot prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
