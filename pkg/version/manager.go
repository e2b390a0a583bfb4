// ABOUTME: Version lifecycle orchestration over snapshot store and ledger
// ABOUTME: Optimistic concurrency on the per-scope head; rollback appends

package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AuraTechWave/menuvault/pkg/audit"
	"github.com/AuraTechWave/menuvault/pkg/diff"
	"github.com/AuraTechWave/menuvault/pkg/menu"
	"github.com/AuraTechWave/menuvault/pkg/snapshot"
	"github.com/AuraTechWave/menuvault/pkg/storage"
	"github.com/AuraTechWave/menuvault/pkg/trigger"
)

// Schema is the version store's schema fragment. Parent linkage is retained
// indefinitely; the partial unique indexes enforce one root, one child per
// parent, and one current published version per scope.
const Schema = `
CREATE TABLE IF NOT EXISTS versions (
    id           TEXT PRIMARY KEY,
    scope_id     TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    status       TEXT NOT NULL,
    parent_id    TEXT NOT NULL DEFAULT '',
    created_by   TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    scheduled_at INTEGER,
    published_at INTEGER,
    checksum     TEXT NOT NULL,
    is_current   INTEGER NOT NULL DEFAULT 0,
    UNIQUE(scope_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_root
    ON versions(scope_id) WHERE parent_id = '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_parent
    ON versions(scope_id, parent_id) WHERE parent_id != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_current
    ON versions(scope_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_versions_sched
    ON versions(status, scheduled_at);
`

const versionColumns = `id, scope_id, seq, status, parent_id, created_by,
	created_at, scheduled_at, published_at, checksum, is_current`

// createRetries bounds how often the intake path re-reads the head after an
// optimistic-concurrency loss before surfacing the conflict.
const createRetries = 3

// Manager owns version metadata and the parent chain. Snapshot bytes belong
// to the snapshot store; audit entries to the ledger; live buffers to the
// trigger evaluator.
type Manager struct {
	db     *storage.DB
	snaps  *snapshot.Store
	ledger *audit.Ledger
	ev     *trigger.Evaluator
	log    zerolog.Logger

	// Serializes the head-check-and-insert of version creation in-process.
	// The unique indexes are the cross-process backstop.
	mu sync.Mutex
}

// NewManager creates a manager and applies its schema.
func NewManager(db *storage.DB, snaps *snapshot.Store, ledger *audit.Ledger,
	ev *trigger.Evaluator, log zerolog.Logger) (*Manager, error) {
	if err := db.ApplySchema(Schema); err != nil {
		return nil, err
	}
	return &Manager{db: db, snaps: snaps, ledger: ledger, ev: ev, log: log}, nil
}

// ApplyChanges is the mutation-intake entry point: ledger append, trigger
// evaluation, and a version cut when policy decides one is due. The whole
// batch shares one batch id. Returns the decision and the new version when
// one was cut.
func (m *Manager) ApplyChanges(ctx context.Context, scope, actor string,
	state *menu.Snapshot, changes []ChangeInput, client audit.ClientContext,
) (trigger.Decision, *Version, error) {
	if len(changes) == 0 {
		return trigger.Skip, nil, nil
	}

	batchID := audit.NewBatchID()
	entries := make([]audit.Entry, 0, len(changes))
	evChanges := make([]trigger.Change, 0, len(changes))

	for _, ch := range changes {
		kind := audit.Kind(ch.Op)
		if kind == "" {
			kind = audit.KindUpdate
		}
		entries = append(entries, audit.Entry{
			Scope:      scope,
			Actor:      actor,
			Kind:       kind,
			EntityKind: ch.EntityKind,
			EntityID:   ch.EntityID,
			Field:      ch.Field,
			Before:     ch.Before,
			After:      ch.After,
			BatchID:    batchID,
			Client:     client,
		})
		mag := ch.DeltaCents
		if mag < 0 {
			mag = -mag
		}
		evChanges = append(evChanges, trigger.Change{
			Op:             string(kind),
			EntityKind:     ch.EntityKind,
			EntityID:       ch.EntityID,
			Field:          ch.Field,
			MagnitudeCents: mag,
		})
	}

	if _, err := m.ledger.AppendBatch(ctx, entries); err != nil {
		return trigger.Skip, nil, err
	}

	decision := m.ev.EvaluateBatch(scope, evChanges)
	if decision == trigger.Skip {
		return decision, nil, nil
	}

	// Only the head-check-and-insert retries on a conflict loss: the batch
	// was already appended and the buffer already evaluated exactly once, so
	// re-running either would duplicate history or downgrade the decision.
	var (
		v   *Version
		err error
	)
	for attempt := 0; ; attempt++ {
		var head *Version
		if head, err = m.head(ctx, scope); err != nil {
			return decision, nil, err
		}
		expectedParent := ""
		if head != nil {
			expectedParent = head.ID
		}
		if v, err = m.CreateVersion(ctx, scope, state, actor, expectedParent); err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) || attempt == createRetries-1 {
			return decision, nil, err
		}
	}
	if v, err = m.Publish(ctx, v.ID, actor, nil); err != nil {
		return decision, nil, err
	}

	if decision == trigger.ForcedVersion {
		if _, err := m.ledger.Append(ctx, audit.Entry{
			Scope:      scope,
			Actor:      actor,
			Kind:       audit.KindBufferOverflow,
			EntityKind: "version",
			EntityID:   v.ID,
			BatchID:    batchID,
			Client:     client,
		}); err != nil {
			return decision, v, err
		}
		m.log.Warn().Str("scope", scope).Str("version", v.ID).
			Msg("change buffer overflow forced a version")
	}

	return decision, v, nil
}

// CreateVersion cuts a new draft version from the snapshot. expectedParent
// is the head version id the caller observed, empty for the scope's first
// version. If the head moved, the caller lost the optimistic race and must
// re-diff against the new head before retrying.
func (m *Manager) CreateVersion(ctx context.Context, scope string,
	snap *menu.Snapshot, actor, expectedParent string) (*Version, error) {
	checksum, err := m.snaps.Put(ctx, scope, snap)
	if err != nil {
		return nil, err
	}

	// Diff against the parent snapshot for the ledger summary. The root
	// version diffs against nothing, so everything counts as added.
	var parentSnap *menu.Snapshot
	if expectedParent != "" {
		parent, err := m.Get(ctx, expectedParent)
		if err != nil {
			return nil, err
		}
		if parentSnap, err = m.snaps.Get(ctx, parent.Checksum); err != nil {
			return nil, err
		}
	}
	summary := diff.Compare(parentSnap, snap).Summary()

	return m.createRecord(ctx, scope, checksum, actor, expectedParent, summary)
}

// createRecord inserts the version row. Shared by CreateVersion and
// Rollback, which reuses the target's already-stored snapshot checksum.
func (m *Manager) createRecord(ctx context.Context, scope, checksum,
	actor, expectedParent, summary string) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Wrap("version create", err)
	}
	defer tx.Rollback()

	var headID string
	var headSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, seq FROM versions WHERE scope_id = ? ORDER BY seq DESC LIMIT 1`,
		scope).Scan(&headID, &headSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First version for the scope.
	case err != nil:
		return nil, storage.Wrap("version head", err)
	}

	if headID != expectedParent {
		return nil, fmt.Errorf("%w: head is %q, caller observed %q",
			ErrConflict, headID, expectedParent)
	}

	v := &Version{
		ID:        "ver_" + uuid.Must(uuid.NewV7()).String(),
		Scope:     scope,
		Seq:       headSeq + 1,
		Status:    StatusDraft,
		ParentID:  expectedParent,
		CreatedBy: actor,
		CreatedAt: time.Now(),
		Checksum:  checksum,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (id, scope_id, seq, status, parent_id,
		created_by, created_at, checksum) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Scope, v.Seq, string(v.Status), v.ParentID, v.CreatedBy,
		v.CreatedAt.UnixMilli(), v.Checksum,
	); err != nil {
		return nil, storage.Wrap("version insert", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.Wrap("version commit", err)
	}

	if _, err := m.ledger.Append(ctx, audit.Entry{
		Scope:      scope,
		Actor:      actor,
		Kind:       audit.KindVersionCreated,
		EntityKind: "version",
		EntityID:   v.ID,
		Field:      "summary",
		After:      summary,
	}); err != nil {
		return nil, err
	}

	m.log.Info().Str("scope", scope).Str("version", v.ID).Int64("seq", v.Seq).
		Str("checksum", checksum).Msg("version created")
	return v, nil
}

// Publish makes the version the scope's current published version, or marks
// it scheduled when effectiveAt is in the future. Publishing an already
// published version is a no-op, so overlapping schedule sweeps are safe.
func (m *Manager) Publish(ctx context.Context, versionID, actor string,
	effectiveAt *time.Time) (*Version, error) {
	v, err := m.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}

	switch v.Status {
	case StatusPublished:
		return v, nil
	case StatusRolledBack:
		return nil, fmt.Errorf("%w: %s was rolled back", ErrImmutable, versionID)
	}

	now := time.Now()
	if effectiveAt != nil && effectiveAt.After(now) {
		_, err := m.db.SQL.ExecContext(ctx,
			`UPDATE versions SET status = ?, scheduled_at = ? WHERE id = ?`,
			string(StatusScheduled), effectiveAt.UnixMilli(), versionID)
		if err != nil {
			return nil, storage.Wrap("version schedule", err)
		}
		if _, err := m.ledger.Append(ctx, audit.Entry{
			Scope: v.Scope, Actor: actor, Kind: audit.KindPublish,
			EntityKind: "version", EntityID: versionID,
			Field: "scheduled_at", After: effectiveAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
		m.log.Info().Str("version", versionID).Time("at", *effectiveAt).
			Msg("version scheduled")
		return m.Get(ctx, versionID)
	}

	tx, err := m.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Wrap("version publish", err)
	}
	defer tx.Rollback()

	// The previous current stays published as queryable history; it only
	// loses the current flag.
	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET is_current = 0 WHERE scope_id = ? AND is_current = 1`,
		v.Scope); err != nil {
		return nil, storage.Wrap("version clear current", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET status = ?, published_at = ?, scheduled_at = NULL,
		is_current = 1 WHERE id = ?`,
		string(StatusPublished), now.UnixMilli(), versionID); err != nil {
		return nil, storage.Wrap("version publish", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.Wrap("version publish commit", err)
	}

	if err := m.snaps.SetLatestPublished(ctx, v.Scope, v.Checksum); err != nil {
		return nil, err
	}
	if _, err := m.ledger.Append(ctx, audit.Entry{
		Scope: v.Scope, Actor: actor, Kind: audit.KindPublish,
		EntityKind: "version", EntityID: versionID,
	}); err != nil {
		return nil, err
	}

	m.log.Info().Str("scope", v.Scope).Str("version", versionID).
		Msg("version published")
	return m.Get(ctx, versionID)
}

// CancelSchedule returns a scheduled version to draft.
func (m *Manager) CancelSchedule(ctx context.Context, versionID string) (*Version, error) {
	v, err := m.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != StatusScheduled {
		return nil, fmt.Errorf("%w: %s is %s, not scheduled", ErrImmutable, versionID, v.Status)
	}
	if _, err := m.db.SQL.ExecContext(ctx,
		`UPDATE versions SET status = ?, scheduled_at = NULL WHERE id = ?`,
		string(StatusDraft), versionID); err != nil {
		return nil, storage.Wrap("version cancel", err)
	}
	return m.Get(ctx, versionID)
}

// Rollback restores a prior version's state by appending a new version
// whose snapshot is a byte-identical copy of the target's, parented on the
// scope head, and publishing it immediately. History is never rewritten;
// the superseded published version is marked rolled_back.
func (m *Manager) Rollback(ctx context.Context, scope, targetID, actor string) (*Version, error) {
	target, err := m.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}

	if target.Scope != scope {
		// Record the rejected attempt and nothing else.
		if _, aerr := m.ledger.Append(ctx, audit.Entry{
			Scope: scope, Actor: actor, Kind: audit.KindRollback,
			EntityKind: "version", EntityID: targetID,
			After: "rejected_cross_scope",
		}); aerr != nil {
			return nil, aerr
		}
		return nil, fmt.Errorf("%w: target %s belongs to scope %s",
			ErrCrossScope, targetID, target.Scope)
	}

	// Integrity backstop: verify the target snapshot before restoring it.
	if _, err := m.snaps.GetBytes(ctx, target.Checksum); err != nil {
		return nil, err
	}

	current, err := m.currentPublished(ctx, scope)
	if err != nil {
		return nil, err
	}

	// The summary describes what restoring the target undoes relative to
	// the version being superseded.
	currentSnap, err := m.snaps.Get(ctx, current.Checksum)
	if err != nil {
		return nil, err
	}
	targetSnap, err := m.snaps.Get(ctx, target.Checksum)
	if err != nil {
		return nil, err
	}
	summary := diff.Compare(currentSnap, targetSnap).Summary()

	// The restore parents on the scope head, which sits past the current
	// published version when a draft or scheduled version is pending.
	head, err := m.head(ctx, scope)
	if err != nil {
		return nil, err
	}
	parent := current.ID
	if head != nil {
		parent = head.ID
	}

	v, err := m.createRecord(ctx, scope, target.Checksum, actor, parent, summary)
	if err != nil {
		return nil, err
	}

	if v, err = m.Publish(ctx, v.ID, actor, nil); err != nil {
		return nil, err
	}

	// The superseded version takes the one state transition published
	// versions allow: published -> rolled_back. This runs after the restore
	// is live so a failed publish cannot leave the scope's current version
	// marked rolled_back.
	if _, err := m.db.SQL.ExecContext(ctx,
		`UPDATE versions SET status = ? WHERE id = ?`,
		string(StatusRolledBack), current.ID); err != nil {
		return nil, storage.Wrap("version supersede", err)
	}

	if _, err := m.ledger.Append(ctx, audit.Entry{
		Scope: scope, Actor: actor, Kind: audit.KindRollback,
		EntityKind: "version", EntityID: targetID,
		Field: "restored_as", After: v.ID,
	}); err != nil {
		return nil, err
	}

	m.log.Info().Str("scope", scope).Str("target", targetID).
		Str("restored_as", v.ID).Msg("rollback published")
	return v, nil
}

// Compare loads both versions' snapshots and returns their field-level
// delta.
func (m *Manager) Compare(ctx context.Context, aID, bID, actor string) (diff.ChangeSet, error) {
	va, err := m.Get(ctx, aID)
	if err != nil {
		return diff.ChangeSet{}, err
	}
	vb, err := m.Get(ctx, bID)
	if err != nil {
		return diff.ChangeSet{}, err
	}

	sa, err := m.snaps.Get(ctx, va.Checksum)
	if err != nil {
		return diff.ChangeSet{}, err
	}
	sb, err := m.snaps.Get(ctx, vb.Checksum)
	if err != nil {
		return diff.ChangeSet{}, err
	}

	cs := diff.Compare(sa, sb)

	if _, err := m.ledger.Append(ctx, audit.Entry{
		Scope: va.Scope, Actor: actor, Kind: audit.KindCompare,
		EntityKind: "version", EntityID: aID,
		Field: "against", After: bID,
	}); err != nil {
		return diff.ChangeSet{}, err
	}
	return cs, nil
}

// Get returns one version by id.
func (m *Manager) Get(ctx context.Context, versionID string) (*Version, error) {
	row := m.db.SQL.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE id = ?`, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %s", ErrNotFound, versionID)
	}
	return v, err
}

// List returns the scope's versions ordered by sequence ascending.
func (m *Manager) List(ctx context.Context, scope string, limit int) ([]*Version, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.db.SQL.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE scope_id = ?
		ORDER BY seq ASC LIMIT ?`, scope, limit)
	if err != nil {
		return nil, storage.Wrap("version list", err)
	}
	defer rows.Close()

	var result []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// History walks the parent chain from the version to the root. The walk is
// bounded by the scope's version count, so a corrupted cycle fails loudly
// instead of spinning.
func (m *Manager) History(ctx context.Context, versionID string) ([]*Version, error) {
	v, err := m.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}

	var total int
	if err := m.db.SQL.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM versions WHERE scope_id = ?`, v.Scope).Scan(&total); err != nil {
		return nil, storage.Wrap("version count", err)
	}

	chain := []*Version{v}
	for v.ParentID != "" {
		if len(chain) > total {
			return nil, fmt.Errorf("parent chain for %s exceeds version count %d", versionID, total)
		}
		if v, err = m.Get(ctx, v.ParentID); err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	return chain, nil
}

// CurrentPublished returns the scope's current published version.
func (m *Manager) CurrentPublished(ctx context.Context, scope string) (*Version, error) {
	return m.currentPublished(ctx, scope)
}

// DueScheduled returns scheduled versions whose activation time has passed.
func (m *Manager) DueScheduled(ctx context.Context, now time.Time) ([]*Version, error) {
	rows, err := m.db.SQL.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM versions
		WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC`,
		string(StatusScheduled), now.UnixMilli())
	if err != nil {
		return nil, storage.Wrap("version due", err)
	}
	defer rows.Close()

	var result []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (m *Manager) head(ctx context.Context, scope string) (*Version, error) {
	row := m.db.SQL.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE scope_id = ?
		ORDER BY seq DESC LIMIT 1`, scope)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (m *Manager) currentPublished(ctx context.Context, scope string) (*Version, error) {
	row := m.db.SQL.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE scope_id = ? AND is_current = 1`,
		scope)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no published version for scope %s", ErrNotFound, scope)
	}
	return v, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*Version, error) {
	var v Version
	var status string
	var createdAt int64
	var scheduledAt, publishedAt sql.NullInt64
	var current int

	err := row.Scan(&v.ID, &v.Scope, &v.Seq, &status, &v.ParentID,
		&v.CreatedBy, &createdAt, &scheduledAt, &publishedAt, &v.Checksum,
		&current)
	if err != nil {
		return nil, err
	}

	v.Status = Status(status)
	v.CreatedAt = time.UnixMilli(createdAt)
	if scheduledAt.Valid {
		t := time.UnixMilli(scheduledAt.Int64)
		v.ScheduledAt = &t
	}
	if publishedAt.Valid {
		t := time.UnixMilli(publishedAt.Int64)
		v.PublishedAt = &t
	}
	v.Current = current == 1
	return &v, nil
}
