// ABOUTME: Auto-versioning policy configuration
// ABOUTME: YAML-loaded per-scope thresholds with optional rule expression

package trigger

import (
	"fmt"
	"os"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// DefaultOverflowCeiling bounds the change buffer when a policy omits one.
const DefaultOverflowCeiling = 500

// Policy holds one scope's auto-versioning thresholds. The engine treats a
// policy as read-only input per evaluation; hot reload swaps whole PolicySet
// values.
type Policy struct {
	// MagnitudeCents triggers an immediate version when a single price
	// change meets or exceeds it. Zero disables magnitude triggering.
	MagnitudeCents int64 `yaml:"magnitude_cents"`

	// CountThreshold cuts a version once this many changes are buffered.
	// Zero means version every change (fail-safe toward more history).
	CountThreshold int `yaml:"count_threshold"`

	// BulkSizeThreshold cuts a version when one batch carries at least this
	// many changes. Zero disables bulk triggering.
	BulkSizeThreshold int `yaml:"bulk_size_threshold"`

	// OverflowCeiling is the hard buffer limit. Crossing it forces a version
	// regardless of thresholds.
	OverflowCeiling int `yaml:"overflow_ceiling"`

	// Rule is an optional expression consulted before the built-in
	// thresholds. Environment: magnitude, op, field, entity_kind, buffered,
	// batch_size. A true result cuts a version.
	Rule string `yaml:"rule"`

	compiled *exprvm.Program
}

// compile prepares the rule expression. Called once at load so evaluation
// stays allocation-light and rule syntax errors surface at startup.
func (p *Policy) compile() error {
	if p.Rule == "" {
		return nil
	}
	program, err := exprlang.Compile(p.Rule,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return fmt.Errorf("compile rule %q: %w", p.Rule, err)
	}
	p.compiled = program
	return nil
}

func (p *Policy) overflowCeiling() int {
	if p.OverflowCeiling <= 0 {
		return DefaultOverflowCeiling
	}
	return p.OverflowCeiling
}

// PolicySet maps scopes to policies with a shared default.
type PolicySet struct {
	Default *Policy
	Scopes  map[string]*Policy
}

// forScope resolves the effective policy. Nil means no policy is configured
// anywhere, which the evaluator treats as version-every-change.
func (ps *PolicySet) forScope(scope string) *Policy {
	if ps == nil {
		return nil
	}
	if p, ok := ps.Scopes[scope]; ok {
		return p
	}
	return ps.Default
}

// policyFile is the on-disk YAML layout.
type policyFile struct {
	Default *Policy            `yaml:"default"`
	Scopes  map[string]*Policy `yaml:"scopes"`
}

// LoadPolicyFile reads and compiles a policy set from a YAML file.
func LoadPolicyFile(path string) (*PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies parses and compiles a policy set from YAML bytes.
func ParsePolicies(data []byte) (*PolicySet, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}

	ps := &PolicySet{Default: f.Default, Scopes: f.Scopes}
	if ps.Default != nil {
		if err := ps.Default.compile(); err != nil {
			return nil, err
		}
	}
	for scope, p := range ps.Scopes {
		if err := p.compile(); err != nil {
			return nil, fmt.Errorf("scope %s: %w", scope, err)
		}
	}
	return ps, nil
}
