// ABOUTME: Tests for the version lifecycle manager
// ABOUTME: Covers intake, optimistic concurrency, rollback, and compare

package version

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AuraTechWave/menuvault/pkg/audit"
	"github.com/AuraTechWave/menuvault/pkg/menu"
	"github.com/AuraTechWave/menuvault/pkg/snapshot"
	"github.com/AuraTechWave/menuvault/pkg/storage"
	"github.com/AuraTechWave/menuvault/pkg/trigger"
)

func setupTestManager(t *testing.T, policy *trigger.Policy) (*Manager, *audit.Ledger) {
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	snaps, err := snapshot.NewStore(db)
	if err != nil {
		t.Fatalf("Failed to create snapshot store: %v", err)
	}
	ledger, err := audit.NewLedger(db)
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}

	var ps *trigger.PolicySet
	if policy != nil {
		ps = &trigger.PolicySet{Default: policy}
	}
	ev := trigger.NewEvaluator(ps, zerolog.Nop())

	m, err := NewManager(db, snaps, ledger, ev, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return m, ledger
}

func snapWithPrice(price menu.Cents) *menu.Snapshot {
	return &menu.Snapshot{
		Categories: []menu.Category{
			{ID: "cat-1", Name: "Mains", Items: []menu.Item{
				{ID: "item-a", Name: "Burger", Price: price, Available: true},
			}},
		},
	}
}

func mustCreatePublished(t *testing.T, m *Manager, scope string, price menu.Cents, parent string) *Version {
	t.Helper()
	v, err := m.CreateVersion(context.Background(), scope, snapWithPrice(price), "alice", parent)
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}
	v, err = m.Publish(context.Background(), v.ID, "alice", nil)
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	return v
}

func TestCreateAndPublish(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v, err := m.CreateVersion(ctx, "rest-1", snapWithPrice(1000), "alice", "")
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}
	if v.Status != StatusDraft || v.Seq != 1 || v.ParentID != "" {
		t.Errorf("Unexpected root version: %+v", v)
	}

	v, err = m.Publish(ctx, v.ID, "alice", nil)
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if v.Status != StatusPublished || !v.Current {
		t.Errorf("Expected current published version, got %+v", v)
	}

	current, err := m.CurrentPublished(ctx, "rest-1")
	if err != nil {
		t.Fatalf("Failed to get current: %v", err)
	}
	if current.ID != v.ID {
		t.Errorf("Expected current %s, got %s", v.ID, current.ID)
	}
}

func TestPublishMovesCurrentKeepsHistory(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v1 := mustCreatePublished(t, m, "rest-1", 1000, "")
	v2 := mustCreatePublished(t, m, "rest-1", 1200, v1.ID)

	old, err := m.Get(ctx, v1.ID)
	if err != nil {
		t.Fatalf("Failed to get v1: %v", err)
	}
	if old.Status != StatusPublished || old.Current {
		t.Errorf("Expected v1 to remain published history, got %+v", old)
	}

	current, _ := m.CurrentPublished(ctx, "rest-1")
	if current.ID != v2.ID {
		t.Errorf("Expected v2 current, got %s", current.ID)
	}
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v1 := mustCreatePublished(t, m, "rest-1", 1000, "")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.CreateVersion(ctx, "rest-1",
				snapWithPrice(menu.Cents(1100+i)), "bob", v1.ID)
		}(i)
	}
	wg.Wait()

	var conflicts, wins int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Errorf("Expected exactly one winner and one conflict, got %d/%d", wins, conflicts)
	}
}

func TestCreateStaleParentConflicts(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v1 := mustCreatePublished(t, m, "rest-1", 1000, "")
	mustCreatePublished(t, m, "rest-1", 1200, v1.ID)

	_, err := m.CreateVersion(ctx, "rest-1", snapWithPrice(1300), "bob", v1.ID)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for stale parent, got %v", err)
	}
}

func TestRollbackAppendsAndRestores(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v1 := mustCreatePublished(t, m, "rest-1", 1000, "")
	v2 := mustCreatePublished(t, m, "rest-1", 1200, v1.ID)

	restored, err := m.Rollback(ctx, "rest-1", v1.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to rollback: %v", err)
	}

	if restored.ParentID != v2.ID {
		t.Errorf("Expected rollback parented on %s, got %s", v2.ID, restored.ParentID)
	}
	if restored.Checksum != v1.Checksum {
		t.Error("Expected byte-identical snapshot copy")
	}
	if restored.Status != StatusPublished || !restored.Current {
		t.Errorf("Expected rollback published immediately, got %+v", restored)
	}

	// Superseded version transitions published -> rolled_back.
	old, _ := m.Get(ctx, v2.ID)
	if old.Status != StatusRolledBack {
		t.Errorf("Expected v2 rolled_back, got %s", old.Status)
	}

	// Rollback law: latest published now equals the target.
	cs, err := m.Compare(ctx, restored.ID, v1.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to compare: %v", err)
	}
	if !cs.Empty() {
		t.Errorf("Expected empty changeset after rollback, got %+v", cs)
	}
}

func TestRollbackPastPendingDraft(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v1 := mustCreatePublished(t, m, "rest-1", 1000, "")
	v2 := mustCreatePublished(t, m, "rest-1", 1200, v1.ID)
	draft, err := m.CreateVersion(ctx, "rest-1", snapWithPrice(1300), "bob", v2.ID)
	if err != nil {
		t.Fatalf("Failed to create draft: %v", err)
	}

	restored, err := m.Rollback(ctx, "rest-1", v1.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to rollback past pending draft: %v", err)
	}

	// The restore parents on the head, not the superseded published version.
	if restored.ParentID != draft.ID {
		t.Errorf("Expected restore parented on %s, got %s", draft.ID, restored.ParentID)
	}
	if restored.Checksum != v1.Checksum {
		t.Error("Expected byte-identical snapshot copy")
	}
	if restored.Status != StatusPublished || !restored.Current {
		t.Errorf("Expected restore published and current, got %+v", restored)
	}

	// The pending draft is untouched; only the superseded version flips.
	d, _ := m.Get(ctx, draft.ID)
	if d.Status != StatusDraft {
		t.Errorf("Expected draft untouched, got %s", d.Status)
	}
	old, _ := m.Get(ctx, v2.ID)
	if old.Status != StatusRolledBack || old.Current {
		t.Errorf("Expected v2 rolled_back and not current, got %+v", old)
	}
}

func TestRollbackCrossScopeRejected(t *testing.T) {
	m, ledger := setupTestManager(t, nil)
	ctx := context.Background()

	other := mustCreatePublished(t, m, "rest-2", 900, "")
	mustCreatePublished(t, m, "rest-1", 1000, "")

	before, _ := m.List(ctx, "rest-1", 0)

	_, err := m.Rollback(ctx, "rest-1", other.ID, "alice")
	if !errors.Is(err, ErrCrossScope) {
		t.Fatalf("Expected ErrCrossScope, got %v", err)
	}

	// No new version was created.
	after, _ := m.List(ctx, "rest-1", 0)
	if len(after) != len(before) {
		t.Errorf("Expected no new version, got %d -> %d", len(before), len(after))
	}

	// Exactly one rejected-attempt record.
	entries, _ := ledger.Query(ctx, audit.Filter{Scope: "rest-1", EntityID: other.ID}, audit.Page{})
	if len(entries) != 1 || entries[0].Kind != audit.KindRollback {
		t.Errorf("Expected single rejected-attempt entry, got %+v", entries)
	}
}

func TestRollbackUnknownTarget(t *testing.T) {
	m, _ := setupTestManager(t, nil)

	mustCreatePublished(t, m, "rest-1", 1000, "")
	_, err := m.Rollback(context.Background(), "rest-1", "ver_missing", "alice")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCompareReportsPriceChange(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v1 := mustCreatePublished(t, m, "rest-1", 1000, "")
	v2 := mustCreatePublished(t, m, "rest-1", 1200, v1.ID)

	cs, err := m.Compare(ctx, v1.ID, v2.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to compare: %v", err)
	}

	if len(cs.Added) != 0 || len(cs.Removed) != 0 || len(cs.Modified) != 1 {
		t.Fatalf("Expected exactly one modification, got %+v", cs)
	}
	fc := cs.Modified[0].Fields[0]
	if fc.Field != "price" || fc.Before != "10.00" || fc.After != "12.00" {
		t.Errorf("Expected price 10.00 -> 12.00, got %+v", fc)
	}
}

func TestCompareUnknownVersion(t *testing.T) {
	m, _ := setupTestManager(t, nil)

	v1 := mustCreatePublished(t, m, "rest-1", 1000, "")
	_, err := m.Compare(context.Background(), v1.ID, "ver_missing", "alice")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestHistoryWalksToRoot(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v1 := mustCreatePublished(t, m, "rest-1", 1000, "")
	v2 := mustCreatePublished(t, m, "rest-1", 1100, v1.ID)
	v3 := mustCreatePublished(t, m, "rest-1", 1200, v2.ID)

	chain, err := m.History(ctx, v3.ID)
	if err != nil {
		t.Fatalf("Failed to walk history: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("Expected chain of 3, got %d", len(chain))
	}
	if chain[0].ID != v3.ID || chain[2].ID != v1.ID {
		t.Errorf("Expected chain v3..v1, got %s..%s", chain[0].ID, chain[2].ID)
	}
	if chain[2].ParentID != "" {
		t.Errorf("Expected root with no parent, got %s", chain[2].ParentID)
	}
}

func TestApplyChangesSkipsBelowThreshold(t *testing.T) {
	m, _ := setupTestManager(t, &trigger.Policy{CountThreshold: 5, MagnitudeCents: 10000})
	ctx := context.Background()

	decision, v, err := m.ApplyChanges(ctx, "rest-1", "alice", snapWithPrice(1000),
		[]ChangeInput{{Op: "update", EntityKind: "item", EntityID: "item-a",
			Field: "price", Before: "10.00", After: "10.50", DeltaCents: 50}},
		audit.ClientContext{Origin: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Failed to apply changes: %v", err)
	}
	if decision != trigger.Skip || v != nil {
		t.Errorf("Expected skip with no version, got %s %+v", decision, v)
	}
}

func TestApplyChangesCutsVersionOnThreshold(t *testing.T) {
	m, ledger := setupTestManager(t, &trigger.Policy{CountThreshold: 2, MagnitudeCents: 10000})
	ctx := context.Background()

	change := ChangeInput{Op: "update", EntityKind: "item", EntityID: "item-a",
		Field: "price", Before: "10.00", After: "12.00", DeltaCents: 200}

	decision, v, err := m.ApplyChanges(ctx, "rest-1", "alice", snapWithPrice(1000),
		[]ChangeInput{change}, audit.ClientContext{})
	if err != nil {
		t.Fatalf("Failed to apply first change: %v", err)
	}
	if decision != trigger.Skip {
		t.Fatalf("Expected skip on first change, got %s", decision)
	}

	decision, v, err = m.ApplyChanges(ctx, "rest-1", "alice", snapWithPrice(1200),
		[]ChangeInput{change}, audit.ClientContext{})
	if err != nil {
		t.Fatalf("Failed to apply second change: %v", err)
	}
	if decision != trigger.Version || v == nil {
		t.Fatalf("Expected version cut on second change, got %s %+v", decision, v)
	}
	if v.Status != StatusPublished {
		t.Errorf("Expected auto-cut version published, got %s", v.Status)
	}

	entries, _ := ledger.Query(ctx, audit.Filter{Scope: "rest-1", EntityID: v.ID}, audit.Page{})
	var created bool
	for _, e := range entries {
		if e.Kind == audit.KindVersionCreated {
			created = true
		}
	}
	if !created {
		t.Error("Expected version_created ledger entry")
	}
}

func TestApplyChangesOverflowEmitsAuditKind(t *testing.T) {
	m, ledger := setupTestManager(t, &trigger.Policy{CountThreshold: 50, OverflowCeiling: 3})
	ctx := context.Background()

	var decision trigger.Decision
	var v *Version
	var err error
	for i := 0; i < 3; i++ {
		decision, v, err = m.ApplyChanges(ctx, "rest-1", "alice", snapWithPrice(1000),
			[]ChangeInput{{Op: "update", EntityKind: "item", EntityID: "item-a"}},
			audit.ClientContext{})
		if err != nil {
			t.Fatalf("Failed to apply change %d: %v", i, err)
		}
	}

	if decision != trigger.ForcedVersion || v == nil {
		t.Fatalf("Expected forced version at ceiling, got %s %+v", decision, v)
	}

	entries, _ := ledger.Query(ctx, audit.Filter{Scope: "rest-1", EntityID: v.ID}, audit.Page{})
	var overflow bool
	for _, e := range entries {
		if e.Kind == audit.KindBufferOverflow {
			overflow = true
		}
	}
	if !overflow {
		t.Error("Expected buffer_overflow ledger entry")
	}
}

func TestApplyChangesBatchSharesBatchID(t *testing.T) {
	m, ledger := setupTestManager(t, &trigger.Policy{CountThreshold: 100})
	ctx := context.Background()

	changes := []ChangeInput{
		{Op: "update", EntityKind: "item", EntityID: "item-a", Field: "price"},
		{Op: "update", EntityKind: "item", EntityID: "item-b", Field: "price"},
	}
	if _, _, err := m.ApplyChanges(ctx, "rest-1", "alice", snapWithPrice(1000),
		changes, audit.ClientContext{}); err != nil {
		t.Fatalf("Failed to apply changes: %v", err)
	}

	entries, _ := ledger.Query(ctx, audit.Filter{Scope: "rest-1"}, audit.Page{})
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].BatchID == "" || entries[0].BatchID != entries[1].BatchID {
		t.Error("Expected both entries to share one batch id")
	}
}

func TestApplyChangesConcurrentAppendsOnce(t *testing.T) {
	// No policy: every change cuts a version, so concurrent intakes race on
	// the head and the losers retry the insert.
	m, ledger := setupTestManager(t, nil)
	ctx := context.Background()

	mustCreatePublished(t, m, "rest-1", 1000, "")

	const writers = 3
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = m.ApplyChanges(ctx, "rest-1", "alice",
				snapWithPrice(menu.Cents(1100+i)),
				[]ChangeInput{{Op: "update", EntityKind: "item", EntityID: "item-a",
					Field: "price"}}, audit.ClientContext{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Writer %d failed: %v", i, err)
		}
	}

	versions, _ := m.List(ctx, "rest-1", 0)
	if len(versions) != writers+1 {
		t.Errorf("Expected %d versions, got %d", writers+1, len(versions))
	}

	// A conflict loss retries only the insert; the batch lands in the
	// ledger exactly once per call.
	entries, _ := ledger.Query(ctx,
		audit.Filter{Scope: "rest-1", EntityKind: "item", EntityID: "item-a"}, audit.Page{})
	if len(entries) != writers {
		t.Errorf("Expected %d change entries, got %d", writers, len(entries))
	}
}

func TestScheduledPublish(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v, err := m.CreateVersion(ctx, "rest-1", snapWithPrice(1000), "alice", "")
	if err != nil {
		t.Fatalf("Failed to create: %v", err)
	}

	at := time.Now().Add(time.Hour)
	v, err = m.Publish(ctx, v.ID, "alice", &at)
	if err != nil {
		t.Fatalf("Failed to schedule: %v", err)
	}
	if v.Status != StatusScheduled || v.ScheduledAt == nil {
		t.Errorf("Expected scheduled version, got %+v", v)
	}

	// Not yet due.
	due, err := m.DueScheduled(ctx, time.Now())
	if err != nil {
		t.Fatalf("Failed to query due: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("Expected nothing due, got %d", len(due))
	}

	due, _ = m.DueScheduled(ctx, at.Add(time.Minute))
	if len(due) != 1 || due[0].ID != v.ID {
		t.Errorf("Expected v due at activation time, got %+v", due)
	}
}

func TestPublishIdempotent(t *testing.T) {
	m, _ := setupTestManager(t, nil)
	ctx := context.Background()

	v := mustCreatePublished(t, m, "rest-1", 1000, "")

	again, err := m.Publish(ctx, v.ID, "alice", nil)
	if err != nil {
		t.Fatalf("Expected republish to be a no-op, got %v", err)
	}
	if again.ID != v.ID || again.Status != StatusPublished {
		t.Errorf("Unexpected version after republish: %+v", again)
	}
}
