// ABOUTME: Audit ledger data model
// ABOUTME: Append-only entries ordered by a per-scope monotonic sequence

package audit

import "time"

// Kind is the operation recorded by an audit entry.
type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindPublish  Kind = "publish"
	KindRollback Kind = "rollback"
	KindCompare  Kind = "compare"
	KindBulk     Kind = "bulk"

	// KindVersionCreated is written by the engine when a version is cut.
	KindVersionCreated Kind = "version_created"
	// KindBufferOverflow is written when the change buffer ceiling forced
	// a version regardless of policy thresholds.
	KindBufferOverflow Kind = "buffer_overflow"
)

// ClientContext carries opaque caller context. The engine stores it verbatim.
type ClientContext struct {
	Origin     string `json:"origin,omitempty"`
	SessionRef string `json:"session_ref,omitempty"`
}

// Entry is one immutable audit record. Seq is assigned by the ledger at
// append time from the scope's monotonic counter; entries are never updated
// or deleted.
type Entry struct {
	ID         string        `json:"id"`
	Scope      string        `json:"scope"`
	Seq        int64         `json:"seq"`
	Actor      string        `json:"actor"`
	Kind       Kind          `json:"kind"`
	EntityKind string        `json:"entity_kind,omitempty"`
	EntityID   string        `json:"entity_id,omitempty"`
	Field      string        `json:"field,omitempty"`
	Before     string        `json:"before,omitempty"`
	After      string        `json:"after,omitempty"`
	BatchID    string        `json:"batch_id,omitempty"`
	Client     ClientContext `json:"client,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Filter narrows a ledger query. Zero values mean "no constraint".
type Filter struct {
	Scope      string
	Actor      string
	EntityKind string
	EntityID   string
	From       time.Time
	To         time.Time
}

// Page bounds a ledger query. A zero Limit defaults to 100.
type Page struct {
	Limit  int
	Offset int
}
