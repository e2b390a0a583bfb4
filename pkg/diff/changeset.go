// ABOUTME: ChangeSet result model for snapshot comparison
// ABOUTME: Fixed entity-kind set; output ordering is load-bearing

package diff

import "fmt"

// Kind identifies which part of the menu graph an entity belongs to.
// The diff dispatches on this closed set rather than inspecting arbitrary
// structure.
type Kind string

const (
	KindCategory      Kind = "category"
	KindItem          Kind = "item"
	KindModifierGroup Kind = "modifier_group"
	KindModifier      Kind = "modifier"
)

// kindOrder fixes the sort position of each kind in diff output.
var kindOrder = map[Kind]int{
	KindCategory:      0,
	KindItem:          1,
	KindModifierGroup: 2,
	KindModifier:      3,
}

// EntityRef names one entity in a snapshot.
type EntityRef struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// FieldChange is one modified field with fixed-representation before/after
// values (prices render as decimal strings, never floats).
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// EntityDiff is the set of modified fields on one matched entity.
type EntityDiff struct {
	Kind   Kind          `json:"kind"`
	ID     string        `json:"id"`
	Fields []FieldChange `json:"fields"`
}

// ChangeSet is the structured result of comparing two snapshots. Each list
// is sorted by (kind, id) ascending; field lists by field name. Given the
// same two snapshots the output is byte-stable across runs.
type ChangeSet struct {
	Added    []EntityRef  `json:"added"`
	Removed  []EntityRef  `json:"removed"`
	Modified []EntityDiff `json:"modified"`
}

// Empty reports whether the two snapshots were identical.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// Len returns the total number of reported changes.
func (c ChangeSet) Len() int {
	return len(c.Added) + len(c.Removed) + len(c.Modified)
}

// Summary renders the change counts as a one-line audit annotation.
func (c ChangeSet) Summary() string {
	return fmt.Sprintf("%d added, %d removed, %d modified",
		len(c.Added), len(c.Removed), len(c.Modified))
}

func refLess(a, b EntityRef) bool {
	if kindOrder[a.Kind] != kindOrder[b.Kind] {
		return kindOrder[a.Kind] < kindOrder[b.Kind]
	}
	return a.ID < b.ID
}
