// Package statestore is the versioned, audited, content-addressed key/value
// store. Entries are immutable: a write creates a fresh record and marks the
// prior current one superseded, so history, audit, and rollback all fall out
// of the same chain.
package statestore

import (
	"encoding/json"
	"time"
)

// Entry is one immutable version of a logical key.
type Entry struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Version     int             `json:"version"`
	Environment string          `json:"environment"`
	Actor       string          `json:"actor"`
	Checksum    string          `json:"checksum"` // sha-256 of canonical JSON value
	CreatedAt   time.Time       `json:"created_at"`

	// SupersededBy is the id of the replacing entry; empty plus a non-nil
	// SupersededAt means the key was deleted (supersede with no successor).
	SupersededBy string     `json:"superseded_by,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`

	TTLSeconds int64             `json:"ttl_seconds,omitempty"` // 0 = no expiry
	Tags       map[string]string `json:"tags,omitempty"`
}

// Current reports whether the entry is the live version of its key.
func (e *Entry) Current() bool { return e.SupersededAt == nil }

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// AuditAction labels state-store audit records.
type AuditAction string

const (
	AuditCreate    AuditAction = "CREATE"
	AuditSupersede AuditAction = "SUPERSEDE"
	AuditDelete    AuditAction = "DELETE"
	AuditRollback  AuditAction = "ROLLBACK"
)

// AuditRecord is written alongside every state mutation.
type AuditRecord struct {
	ID          string                 `json:"id"`
	EntryID     string                 `json:"entry_id"`
	Key         string                 `json:"key"`
	Environment string                 `json:"environment"`
	Action      AuditAction            `json:"action"`
	Actor       string                 `json:"actor"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Filter selects entries for Query.
type Filter struct {
	Key               string
	Environment       string
	Tags              map[string]string
	IncludeSuperseded bool
	Limit             int
	Offset            int
}

// PutOptions configures a write.
type PutOptions struct {
	Environment string
	Actor       string
	Tags        map[string]string
	TTL         time.Duration
}
