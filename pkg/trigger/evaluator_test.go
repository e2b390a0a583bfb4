// ABOUTME: Tests for the trigger state machine and policy loading
// ABOUTME: Verifies threshold, magnitude, overflow, and rule behavior

package trigger

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestEvaluator(p *Policy) *Evaluator {
	return NewEvaluator(&PolicySet{Default: p}, zerolog.Nop())
}

func TestCountThresholdFiresOnNth(t *testing.T) {
	ev := newTestEvaluator(&Policy{CountThreshold: 5, MagnitudeCents: 10000})

	for i := 1; i < 5; i++ {
		d := ev.Evaluate("rest-1", Change{Op: "update", MagnitudeCents: 50})
		if d != Skip {
			t.Fatalf("Expected skip on change %d, got %s", i, d)
		}
	}

	d := ev.Evaluate("rest-1", Change{Op: "update", MagnitudeCents: 50})
	if d != Version {
		t.Errorf("Expected version on 5th change, got %s", d)
	}

	if n := ev.Buffered("rest-1"); n != 0 {
		t.Errorf("Expected buffer cleared after cut, got %d", n)
	}
}

func TestMagnitudeTriggersImmediately(t *testing.T) {
	ev := newTestEvaluator(&Policy{CountThreshold: 100, MagnitudeCents: 500})

	d := ev.Evaluate("rest-1", Change{Op: "update", Field: "price", MagnitudeCents: 750})
	if d != Version {
		t.Errorf("Expected immediate version for large price change, got %s", d)
	}
	if n := ev.Buffered("rest-1"); n != 0 {
		t.Errorf("Expected scope to stay idle, got %d buffered", n)
	}
}

func TestMagnitudeWinsOverCount(t *testing.T) {
	ev := newTestEvaluator(&Policy{CountThreshold: 2, MagnitudeCents: 500})

	ev.Evaluate("rest-1", Change{Op: "update", MagnitudeCents: 10})

	// This change crosses both thresholds at once; the magnitude path wins.
	d := ev.Evaluate("rest-1", Change{Op: "update", MagnitudeCents: 900})
	if d != Version {
		t.Errorf("Expected version, got %s", d)
	}
}

func TestOverflowForcesVersion(t *testing.T) {
	// Pathological configuration: count threshold above the ceiling.
	ev := newTestEvaluator(&Policy{CountThreshold: 50, OverflowCeiling: 10})

	var last Decision
	for i := 0; i < 10; i++ {
		last = ev.Evaluate("rest-1", Change{Op: "update"})
		if i < 9 && last != Skip {
			t.Fatalf("Expected skip on change %d, got %s", i+1, last)
		}
	}

	if last != ForcedVersion {
		t.Errorf("Expected forced version at ceiling, got %s", last)
	}
	if n := ev.Buffered("rest-1"); n != 0 {
		t.Errorf("Expected buffer cleared after forced cut, got %d", n)
	}
}

func TestMissingPolicyVersionsEveryChange(t *testing.T) {
	ev := NewEvaluator(nil, zerolog.Nop())

	if d := ev.Evaluate("rest-1", Change{Op: "update"}); d != Version {
		t.Errorf("Expected version with no policy, got %s", d)
	}
}

func TestBulkSizeThreshold(t *testing.T) {
	ev := newTestEvaluator(&Policy{CountThreshold: 100, BulkSizeThreshold: 25})

	d := ev.EvaluateBatch("rest-1", make([]Change, 30))
	if d != Version {
		t.Errorf("Expected version for bulk batch, got %s", d)
	}
}

func TestBatchStopsBufferingAfterCut(t *testing.T) {
	ev := newTestEvaluator(&Policy{CountThreshold: 2})

	// The second change fires; the trailing three are covered by the cut
	// snapshot and must not seed the next buffer.
	changes := make([]Change, 5)
	for i := range changes {
		changes[i] = Change{Op: "update", BatchSize: 1}
	}

	if d := ev.EvaluateBatch("rest-1", changes); d != Version {
		t.Fatalf("Expected version at count threshold, got %s", d)
	}
	if n := ev.Buffered("rest-1"); n != 0 {
		t.Errorf("Expected empty buffer after batch cut, got %d", n)
	}
}

func TestScopesIndependent(t *testing.T) {
	ev := newTestEvaluator(&Policy{CountThreshold: 2})

	ev.Evaluate("rest-1", Change{Op: "update"})
	if d := ev.Evaluate("rest-2", Change{Op: "update"}); d != Skip {
		t.Errorf("Expected rest-2 buffer to be independent, got %s", d)
	}
}

func TestFlushAndEvict(t *testing.T) {
	ev := newTestEvaluator(&Policy{CountThreshold: 10})

	ev.Evaluate("rest-1", Change{Op: "update"})
	ev.Evaluate("rest-1", Change{Op: "update"})

	if n := ev.FlushScope("rest-1"); n != 2 {
		t.Errorf("Expected 2 flushed changes, got %d", n)
	}
	if n := ev.Buffered("rest-1"); n != 0 {
		t.Errorf("Expected empty buffer after flush, got %d", n)
	}

	ev.EvictScope("rest-1")
	if d := ev.Evaluate("rest-1", Change{Op: "update"}); d != Skip {
		t.Errorf("Expected fresh buffer after evict, got %s", d)
	}
}

func TestPolicyRuleExpression(t *testing.T) {
	ps, err := ParsePolicies([]byte(`
default:
  count_threshold: 100
  rule: 'magnitude >= 1000 && op == "update"'
`))
	if err != nil {
		t.Fatalf("Failed to parse policies: %v", err)
	}
	ev := NewEvaluator(ps, zerolog.Nop())

	if d := ev.Evaluate("rest-1", Change{Op: "update", MagnitudeCents: 1500}); d != Version {
		t.Errorf("Expected rule to fire, got %s", d)
	}
	if d := ev.Evaluate("rest-1", Change{Op: "delete", MagnitudeCents: 1500}); d != Skip {
		t.Errorf("Expected rule not to fire for delete, got %s", d)
	}
}

func TestPolicyRuleCompileError(t *testing.T) {
	_, err := ParsePolicies([]byte(`
default:
  rule: 'magnitude >='
`))
	if err == nil {
		t.Error("Expected compile error for malformed rule")
	}
}

func TestPerScopePolicyOverridesDefault(t *testing.T) {
	ps, err := ParsePolicies([]byte(`
default:
  count_threshold: 100
scopes:
  rest-2:
    count_threshold: 1
`))
	if err != nil {
		t.Fatalf("Failed to parse policies: %v", err)
	}
	ev := NewEvaluator(ps, zerolog.Nop())

	if d := ev.Evaluate("rest-1", Change{Op: "update"}); d != Skip {
		t.Errorf("Expected default policy to buffer, got %s", d)
	}
	if d := ev.Evaluate("rest-2", Change{Op: "update"}); d != Version {
		t.Errorf("Expected scope override to version immediately, got %s", d)
	}
}

func TestHotReload(t *testing.T) {
	ev := newTestEvaluator(&Policy{CountThreshold: 100})

	if d := ev.Evaluate("rest-1", Change{Op: "update"}); d != Skip {
		t.Fatalf("Expected skip before reload, got %s", d)
	}

	ev.SetPolicies(&PolicySet{Default: &Policy{CountThreshold: 1}})

	if d := ev.Evaluate("rest-1", Change{Op: "update"}); d != Version {
		t.Errorf("Expected version after reload, got %s", d)
	}
}
