package idempotency

import (
	"context"
	"time"
)

// Storage is the atomic surface drivers implement. No driver inherits from
// another; each provides these five operations natively.
type Storage interface {
	// CreateIfAbsent inserts rec iff no record exists for its
	// (namespace, key_hash). When one already exists it is returned and
	// created is false. The insert must be atomic.
	CreateIfAbsent(ctx context.Context, rec *Record) (created bool, existing *Record, err error)

	// Get returns the record for (namespace, keyHash), or nil.
	Get(ctx context.Context, namespace, keyHash string) (*Record, error)

	// UpdateIfVersion writes rec iff the stored version equals
	// expectedVersion; rec.Version must already be expectedVersion+1.
	// Returns false on version mismatch or missing record.
	UpdateIfVersion(ctx context.Context, rec *Record, expectedVersion int) (bool, error)

	// Delete removes the record for (namespace, keyHash).
	Delete(ctx context.Context, namespace, keyHash string) error

	// CleanupExpired removes records whose expires_at is before the cutoff
	// and returns how many were removed.
	CleanupExpired(ctx context.Context, before time.Time) (int, error)
}
