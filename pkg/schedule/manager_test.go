// ABOUTME: Tests for the scheduled-publish sweep
// ABOUTME: Verifies activation, idempotence, and cancel semantics

package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AuraTechWave/menuvault/pkg/audit"
	"github.com/AuraTechWave/menuvault/pkg/menu"
	"github.com/AuraTechWave/menuvault/pkg/snapshot"
	"github.com/AuraTechWave/menuvault/pkg/storage"
	"github.com/AuraTechWave/menuvault/pkg/trigger"
	"github.com/AuraTechWave/menuvault/pkg/version"
)

func setupTestSchedule(t *testing.T) (*Manager, *version.Manager, *storage.DB) {
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
	ev := trigger.NewEvaluator(nil, zerolog.Nop())

	vm, err := version.NewManager(db, snaps, ledger, ev, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create version manager: %v", err)
	}
	return NewManager(vm, zerolog.Nop()), vm, db
}

// backdate rewrites the version's scheduled_at so sweep tests do not depend
// on wall-clock sleeps.
func backdate(t *testing.T, db *storage.DB, versionID string) {
	t.Helper()
	if _, err := db.SQL.Exec(
		`UPDATE versions SET scheduled_at = ? WHERE id = ?`,
		time.Now().Add(-time.Minute).UnixMilli(), versionID); err != nil {
		t.Fatalf("Failed to backdate schedule: %v", err)
	}
}

func draftVersion(t *testing.T, vm *version.Manager, scope string) *version.Version {
	t.Helper()
	snap := &menu.Snapshot{Categories: []menu.Category{{ID: "cat-1", Name: scope}}}
	v, err := vm.CreateVersion(context.Background(), scope, snap, "alice", "")
	if err != nil {
		t.Fatalf("Failed to create draft: %v", err)
	}
	return v
}

func TestSweepActivatesDueVersions(t *testing.T) {
	sm, vm, db := setupTestSchedule(t)
	ctx := context.Background()

	v := draftVersion(t, vm, "rest-1")

	if _, err := sm.Schedule(ctx, v.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Failed to schedule: %v", err)
	}
	backdate(t, db, v.ID)

	activated, err := sm.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if activated != 1 {
		t.Errorf("Expected 1 activation, got %d", activated)
	}

	got, _ := vm.Get(ctx, v.ID)
	if got.Status != version.StatusPublished || !got.Current {
		t.Errorf("Expected published current version, got %+v", got)
	}
}

func TestSweepIgnoresFutureVersions(t *testing.T) {
	sm, vm, _ := setupTestSchedule(t)
	ctx := context.Background()

	v := draftVersion(t, vm, "rest-1")
	if _, err := sm.Schedule(ctx, v.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Failed to schedule: %v", err)
	}

	activated, err := sm.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if activated != 0 {
		t.Errorf("Expected no activations, got %d", activated)
	}
}

func TestSweepIdempotent(t *testing.T) {
	sm, vm, db := setupTestSchedule(t)
	ctx := context.Background()

	v := draftVersion(t, vm, "rest-1")
	sm.Schedule(ctx, v.ID, time.Now().Add(time.Hour))
	backdate(t, db, v.ID)

	if _, err := sm.Sweep(ctx); err != nil {
		t.Fatalf("First sweep failed: %v", err)
	}

	// A second overlapping sweep finds nothing due and changes nothing.
	activated, err := sm.Sweep(ctx)
	if err != nil {
		t.Fatalf("Second sweep failed: %v", err)
	}
	if activated != 0 {
		t.Errorf("Expected second sweep to be a no-op, got %d", activated)
	}

	got, _ := vm.Get(ctx, v.ID)
	if got.Status != version.StatusPublished {
		t.Errorf("Expected version to stay published, got %s", got.Status)
	}
}

func TestCancelWhileScheduled(t *testing.T) {
	sm, vm, _ := setupTestSchedule(t)
	ctx := context.Background()

	v := draftVersion(t, vm, "rest-1")
	sm.Schedule(ctx, v.ID, time.Now().Add(time.Hour))

	canceled, err := sm.Cancel(ctx, v.ID)
	if err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	if canceled.Status != version.StatusDraft || canceled.ScheduledAt != nil {
		t.Errorf("Expected draft with no schedule, got %+v", canceled)
	}
}

func TestCancelDuringActivation(t *testing.T) {
	sm, vm, _ := setupTestSchedule(t)
	ctx := context.Background()

	v := draftVersion(t, vm, "rest-1")
	sm.Schedule(ctx, v.ID, time.Now().Add(time.Hour))

	// Simulate a sweep that has picked the version up.
	sm.mu.Lock()
	sm.activating[v.ID] = struct{}{}
	sm.mu.Unlock()

	_, err := sm.Cancel(ctx, v.ID)
	if !errors.Is(err, ErrAlreadyActivating) {
		t.Errorf("Expected ErrAlreadyActivating, got %v", err)
	}
}
