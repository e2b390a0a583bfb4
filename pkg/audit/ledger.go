// ABOUTME: Append-only audit ledger over the shared SQLite handle
// ABOUTME: Sequence numbers come from a per-scope counter, not wall clock

package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AuraTechWave/menuvault/pkg/storage"
)

// Schema is the ledger's schema fragment. The engine never issues UPDATE or
// DELETE against this table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id           TEXT PRIMARY KEY,
    scope_id     TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    actor        TEXT NOT NULL,
    kind         TEXT NOT NULL,
    entity_kind  TEXT NOT NULL DEFAULT '',
    entity_id    TEXT NOT NULL DEFAULT '',
    field        TEXT NOT NULL DEFAULT '',
    before_value TEXT NOT NULL DEFAULT '',
    after_value  TEXT NOT NULL DEFAULT '',
    batch_id     TEXT NOT NULL DEFAULT '',
    origin       TEXT NOT NULL DEFAULT '',
    session_ref  TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    UNIQUE(scope_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_audit_scope_seq ON audit_entries(scope_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_kind, entity_id);
`

// Ledger is the append-only audit log.
type Ledger struct {
	db *storage.DB

	// Serializes appends so the read-increment of the scope counter and the
	// insert form one atomic step even across pooled connections.
	mu sync.Mutex
}

// NewLedger creates a ledger and applies its schema.
func NewLedger(db *storage.DB) (*Ledger, error) {
	if err := db.ApplySchema(Schema); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// NewBatchID returns a fresh batch identifier. Callers generate batch ids,
// not the ledger, so multi-entity operations can be correlated without
// ledger-side transactions spanning entities.
func NewBatchID() string {
	return "bat_" + uuid.Must(uuid.NewV7()).String()
}

// Append records one entry and returns its id. The scope sequence number is
// assigned inside the transaction, so concurrent appends to one scope are
// strictly ordered by append order.
func (l *Ledger) Append(ctx context.Context, e Entry) (string, error) {
	ids, err := l.AppendBatch(ctx, []Entry{e})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch records all entries in one transaction. Entries in one batch
// receive consecutive sequence numbers; a query never observes part of a
// batch.
func (l *Ledger) AppendBatch(ctx context.Context, entries []Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Wrap("audit append", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_entries (id, scope_id, seq, actor, kind, entity_kind,
		entity_id, field, before_value, after_value, batch_id, origin,
		session_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, storage.Wrap("audit prepare", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(entries))
	seqs := make(map[string]int64)

	for _, e := range entries {
		seq, ok := seqs[e.Scope]
		if !ok {
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(seq), 0) FROM audit_entries WHERE scope_id = ?`,
				e.Scope).Scan(&seq); err != nil {
				return nil, storage.Wrap("audit seq", err)
			}
		}
		seq++
		seqs[e.Scope] = seq

		id := e.ID
		if id == "" {
			id = "aud_" + uuid.Must(uuid.NewV7()).String()
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		if _, err := stmt.ExecContext(ctx,
			id, e.Scope, seq, e.Actor, string(e.Kind), e.EntityKind,
			e.EntityID, e.Field, e.Before, e.After, e.BatchID,
			e.Client.Origin, e.Client.SessionRef, createdAt.UnixMilli(),
		); err != nil {
			return nil, storage.Wrap("audit insert", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, storage.Wrap("audit commit", err)
	}
	return ids, nil
}

// Query returns entries matching the filter in ascending order. Scoped
// queries order by the scope sequence; unscoped queries order by time then
// sequence.
func (l *Ledger) Query(ctx context.Context, f Filter, p Page) ([]Entry, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, scope_id, seq, actor, kind, entity_kind, entity_id,
		field, before_value, after_value, batch_id, origin, session_ref,
		created_at FROM audit_entries WHERE 1=1`
	var args []any

	if f.Scope != "" {
		query += " AND scope_id = ?"
		args = append(args, f.Scope)
	}
	if f.Actor != "" {
		query += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.EntityKind != "" {
		query += " AND entity_kind = ?"
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	if !f.From.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, f.To.UnixMilli())
	}

	if f.Scope != "" {
		query += " ORDER BY seq ASC"
	} else {
		query += " ORDER BY created_at ASC, seq ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, p.Offset)

	rows, err := l.db.SQL.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap("audit query", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Scope, &e.Seq, &e.Actor, &kind,
			&e.EntityKind, &e.EntityID, &e.Field, &e.Before, &e.After,
			&e.BatchID, &e.Client.Origin, &e.Client.SessionRef, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.CreatedAt = time.UnixMilli(createdAt)
		result = append(result, e)
	}
	return result, rows.Err()
}
