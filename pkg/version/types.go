// ABOUTME: Version metadata model and status machine
// ABOUTME: Parent links form the per-scope rollback chain

package version

import "time"

// Status is a version's lifecycle state. Transitions: draft -> scheduled ->
// published, draft -> published, and published -> rolled_back when a
// rollback supersedes the current version. Published versions are immutable.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusPublished  Status = "published"
	StatusRolledBack Status = "rolled_back"
)

// Version is the metadata record for one snapshot of a scope. Seq increases
// monotonically per scope; ParentID is empty only for the root. The parent
// chain is acyclic and never rewritten — rollback appends a new version
// whose snapshot copies an ancestor's.
type Version struct {
	ID          string     `json:"id"`
	Scope       string     `json:"scope"`
	Seq         int64      `json:"seq"`
	Status      Status     `json:"status"`
	ParentID    string     `json:"parent_id,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Checksum    string     `json:"checksum"`
	// Current marks the scope's one currently-published version.
	Current bool `json:"current"`
}

// ChangeInput is one field-level mutation handed to the intake entry point.
// Before/After carry fixed string representations; DeltaCents is the price
// impact used for magnitude triggering, zero for non-price changes.
type ChangeInput struct {
	Op         string `json:"op"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Field      string `json:"field"`
	Before     string `json:"before"`
	After      string `json:"after"`
	DeltaCents int64  `json:"delta_cents"`
}
