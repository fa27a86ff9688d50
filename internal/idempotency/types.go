// Package idempotency provides exactly-once execution of arbitrary
// operations keyed by a caller-chosen composite key. Records live behind a
// pluggable Storage with two atomic primitives (create-if-absent and
// optimistic versioned update); everything else — lock ownership, TTL
// clamping, fingerprint replay defense, stale-lock takeover — is ledger
// logic and behaves the same on every driver.
package idempotency

import (
	"encoding/json"
	"time"
)

// Status of an idempotency record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Record is the persisted state of one keyed operation.
type Record struct {
	ID        string `json:"id"`
	KeyHash   string `json:"key_hash"` // sha-256 of "prefix:key"
	Namespace string `json:"namespace"`
	Operation string `json:"operation"`
	Status    Status `json:"status"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Result   json.RawMessage        `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`

	LockID        string     `json:"lock_id,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	AttemptCount int `json:"attempt_count"`
	// Version increments on every update; updates must carry the version
	// they read or they fail.
	Version int `json:"version"`

	Fingerprint          string `json:"fingerprint,omitempty"`
	ProcessingDurationMs int64  `json:"processing_duration_ms,omitempty"`
	Actor                string `json:"actor,omitempty"`
}

// Lock is proof of ownership of a record, returned by Start and required by
// Complete, Fail, and ExtendLock.
type Lock struct {
	Key       string
	KeyHash   string
	Namespace string
	LockID    string
	Version   int
	StartedAt time.Time
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	ShouldProceed  bool
	ExistingStatus Status
	CachedResult   json.RawMessage
	Record         *Record
	Reason         string
}

// ExecResult is the outcome of Execute.
type ExecResult struct {
	Result json.RawMessage
	Cached bool
}
