// ABOUTME: Per-scope trigger state machine over an in-memory change buffer
// ABOUTME: Decides skip vs version vs forced version for each mutation

package trigger

import (
	"sync"

	exprlang "github.com/expr-lang/expr"
	"github.com/rs/zerolog"
)

// Decision is the outcome of evaluating a change against policy.
type Decision int

const (
	// Skip buffers the change without cutting a version.
	Skip Decision = iota
	// Version cuts a version because a policy threshold fired.
	Version
	// ForcedVersion cuts a version because the buffer overflow ceiling was
	// crossed; it fires regardless of policy thresholds.
	ForcedVersion
)

func (d Decision) String() string {
	switch d {
	case Version:
		return "version"
	case ForcedVersion:
		return "forced_version"
	default:
		return "skip"
	}
}

// Change is one mutation as seen by the evaluator.
type Change struct {
	Op         string
	EntityKind string
	EntityID   string
	Field      string
	// MagnitudeCents is the absolute price impact of the change, zero for
	// non-price changes.
	MagnitudeCents int64
	// BatchSize is the size of the logical batch this change arrived in.
	BatchSize int
}

// scopeState is one scope's change buffer plus its lock. The critical
// section is O(1); scopes never contend with each other.
type scopeState struct {
	mu       sync.Mutex
	buffered int
}

// Evaluator owns the live per-scope change buffers. Buffers are transient:
// created when a scope's first post-version change arrives, cleared on every
// cut, and not persisted across restarts.
type Evaluator struct {
	mu       sync.RWMutex
	policies *PolicySet
	scopes   map[string]*scopeState
	log      zerolog.Logger
}

// NewEvaluator creates an evaluator with the given policy set. A nil set
// means every change cuts a version.
func NewEvaluator(policies *PolicySet, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		policies: policies,
		scopes:   make(map[string]*scopeState),
		log:      log,
	}
}

// SetPolicies hot-swaps the policy set. In-flight evaluations finish against
// the set they started with.
func (e *Evaluator) SetPolicies(policies *PolicySet) {
	e.mu.Lock()
	e.policies = policies
	e.mu.Unlock()
}

// Evaluate folds one change into the scope's buffer and returns the
// decision. Magnitude triggers fire immediately and win over count triggers
// within the same call; the overflow ceiling forces a version when a
// pathological policy never reaches its own threshold.
func (e *Evaluator) Evaluate(scope string, ch Change) Decision {
	e.mu.RLock()
	policy := e.policies.forScope(scope)
	e.mu.RUnlock()

	// No policy: fail safe toward more history, not less.
	if policy == nil {
		return Version
	}

	st := e.scopeState(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	if e.ruleFires(policy, ch, st.buffered) {
		st.buffered = 0
		return Version
	}

	// Magnitude triggers take priority over count triggers within the same
	// call. The cut clears any buffered changes; from Idle the buffer was
	// already empty and the scope stays Idle.
	if policy.MagnitudeCents > 0 && ch.MagnitudeCents >= policy.MagnitudeCents {
		st.buffered = 0
		return Version
	}

	if policy.BulkSizeThreshold > 0 && ch.BatchSize >= policy.BulkSizeThreshold {
		st.buffered = 0
		return Version
	}

	st.buffered++

	if policy.CountThreshold <= 0 {
		// Version every change.
		st.buffered = 0
		return Version
	}

	if st.buffered >= policy.CountThreshold {
		st.buffered = 0
		return Version
	}

	if st.buffered >= policy.overflowCeiling() {
		st.buffered = 0
		return ForcedVersion
	}

	return Skip
}

// EvaluateBatch evaluates changes in order and stops at the first cut
// decision. The cut snapshot already covers the remainder of the batch, so
// buffering it would double-count those changes toward the next version.
func (e *Evaluator) EvaluateBatch(scope string, changes []Change) Decision {
	decision := Skip
	for i := range changes {
		if changes[i].BatchSize == 0 {
			changes[i].BatchSize = len(changes)
		}
		if decision = e.Evaluate(scope, changes[i]); decision != Skip {
			break
		}
	}
	return decision
}

// Buffered returns the scope's current buffered-change count.
func (e *Evaluator) Buffered(scope string) int {
	st := e.scopeState(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.buffered
}

// FlushScope clears the scope's buffer and returns how many changes were
// pending. Hosts that want to cut a version at shutdown call this first.
func (e *Evaluator) FlushScope(scope string) int {
	st := e.scopeState(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	n := st.buffered
	st.buffered = 0
	return n
}

// EvictScope drops the scope's buffer state entirely. Eviction policy
// belongs to the host application.
func (e *Evaluator) EvictScope(scope string) {
	e.mu.Lock()
	delete(e.scopes, scope)
	e.mu.Unlock()
}

func (e *Evaluator) scopeState(scope string) *scopeState {
	e.mu.RLock()
	st, ok := e.scopes[scope]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.scopes[scope]; ok {
		return st
	}
	st = &scopeState{}
	e.scopes[scope] = st
	return st
}

// ruleFires runs the policy's compiled rule expression, if any. A runtime
// failure counts as a fire: the fail-safe direction is more history.
func (e *Evaluator) ruleFires(p *Policy, ch Change, buffered int) bool {
	if p.compiled == nil {
		return false
	}
	env := map[string]any{
		"magnitude":   ch.MagnitudeCents,
		"op":          ch.Op,
		"field":       ch.Field,
		"entity_kind": ch.EntityKind,
		"buffered":    buffered,
		"batch_size":  ch.BatchSize,
	}
	out, err := exprlang.Run(p.compiled, env)
	if err != nil {
		e.log.Error().Err(err).Str("rule", p.Rule).Msg("policy rule failed, versioning")
		return true
	}
	fired, _ := out.(bool)
	return fired
}
