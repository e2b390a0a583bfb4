// ABOUTME: Scheduled-publish sweep over the version store
// ABOUTME: Idempotent activation; cancel loses to an in-flight sweep

package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AuraTechWave/menuvault/pkg/version"
)

var (
	// ErrAlreadyActivating indicates a cancel arrived after a sweep began
	// activating the version. Surfaced instead of silently racing.
	ErrAlreadyActivating = errors.New("schedule: already activating")
)

// Publisher is the slice of the version manager the sweep needs. Durability
// of the scheduled-publish record comes from the version rows, not from
// this manager's timer.
type Publisher interface {
	Publish(ctx context.Context, versionID, actor string, effectiveAt *time.Time) (*version.Version, error)
	CancelSchedule(ctx context.Context, versionID string) (*version.Version, error)
	DueScheduled(ctx context.Context, now time.Time) ([]*version.Version, error)
}

// Manager activates scheduled versions when their time arrives.
type Manager struct {
	pub Publisher
	log zerolog.Logger

	mu         sync.Mutex
	activating map[string]struct{}
}

// NewManager creates a schedule manager.
func NewManager(pub Publisher, log zerolog.Logger) *Manager {
	return &Manager{
		pub:        pub,
		log:        log,
		activating: make(map[string]struct{}),
	}
}

// Schedule marks the version for publication at the given time.
func (m *Manager) Schedule(ctx context.Context, versionID string, at time.Time) (*version.Version, error) {
	return m.pub.Publish(ctx, versionID, "scheduler", &at)
}

// Cancel withdraws a scheduled publication. Effective only while the
// version is still scheduled; once a sweep has picked it up the cancel
// fails with ErrAlreadyActivating.
func (m *Manager) Cancel(ctx context.Context, versionID string) (*version.Version, error) {
	m.mu.Lock()
	_, busy := m.activating[versionID]
	m.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActivating, versionID)
	}
	return m.pub.CancelSchedule(ctx, versionID)
}

// Sweep publishes every due scheduled version and returns how many were
// activated. Activating an already-published version is a no-op, so sweeps
// overlapping under clock skew are harmless.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	due, err := m.pub.DueScheduled(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	activated := 0
	for _, v := range due {
		m.mu.Lock()
		if _, busy := m.activating[v.ID]; busy {
			m.mu.Unlock()
			continue
		}
		m.activating[v.ID] = struct{}{}
		m.mu.Unlock()

		_, err := m.pub.Publish(ctx, v.ID, "scheduler", nil)

		m.mu.Lock()
		delete(m.activating, v.ID)
		m.mu.Unlock()

		if err != nil {
			// Leave the version scheduled; the next sweep retries it.
			m.log.Error().Err(err).Str("version", v.ID).Msg("scheduled activation failed")
			continue
		}
		activated++
		m.log.Info().Str("scope", v.Scope).Str("version", v.ID).Msg("scheduled version activated")
	}
	return activated, nil
}

// Run sweeps on the given cadence until the context is canceled. It runs on
// its own timer and never blocks the mutation-intake path.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
