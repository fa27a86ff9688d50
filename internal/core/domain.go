// Package core holds the domain types shared by every component of the
// execution runtime: risk zones, the typed error taxonomy, and canonical
// JSON hashing.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Zone is the risk tier of an action or run.
type Zone string

const (
	ZoneGreen  Zone = "green"  // auto-allowed
	ZoneYellow Zone = "yellow" // elevated scrutiny
	ZoneRed    Zone = "red"    // side-effect-capable; always gated
)

// ValidZone reports whether z is one of the three known tiers.
func ValidZone(z Zone) bool {
	switch z {
	case ZoneGreen, ZoneYellow, ZoneRed:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Message is a single entry in a run's message log.
type Message struct {
	Role      string                 `json:"role"` // system, user, assistant, tool
	Content   string                 `json:"content"`
	Name      string                 `json:"name,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Canonical returns the RFC 8785 canonical JSON encoding of v.
// Map keys are sorted recursively; the result is stable across processes,
// which is what makes checksums and fingerprints comparable.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Checksum returns the hex SHA-256 of the canonical JSON encoding of v.
func Checksum(v interface{}) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashKey returns the hex SHA-256 of "prefix:key". Used as the primary key
// of idempotency records so raw keys never reach storage.
func HashKey(prefix, key string) string {
	sum := sha256.Sum256([]byte(prefix + ":" + key))
	return hex.EncodeToString(sum[:])
}
