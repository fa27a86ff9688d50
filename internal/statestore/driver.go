package statestore

import "context"

// Driver is the small storage surface the Store builds on. Drivers hold
// entries and audit records; all versioning and supersede logic lives in the
// Store so every driver behaves identically.
//
// Drivers may be called concurrently for different keys; the Store
// serializes mutations per (key, environment).
type Driver interface {
	// Insert persists a new immutable entry.
	Insert(ctx context.Context, e *Entry) error

	// MarkSuperseded stamps the entry with a supersede pointer. byID is
	// empty for deletions.
	MarkSuperseded(ctx context.Context, id, byID string) error

	// GetCurrent returns the non-superseded entry for (key, env), or nil.
	GetCurrent(ctx context.Context, key, env string) (*Entry, error)

	// GetByID returns the entry with the given id, or nil.
	GetByID(ctx context.Context, id string) (*Entry, error)

	// History returns all versions for (key, env), newest first.
	History(ctx context.Context, key, env string) ([]*Entry, error)

	// Query returns entries matching the filter.
	Query(ctx context.Context, f Filter) ([]*Entry, error)

	// AppendAudit persists an audit record.
	AppendAudit(ctx context.Context, rec *AuditRecord) error

	// AuditTrail returns audit records for a key, newest first.
	AuditTrail(ctx context.Context, key, env string) ([]*AuditRecord, error)
}
