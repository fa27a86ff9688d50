package idempotency

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ocx/runtime/internal/core"
)

// volatileFields are stripped from request data before fingerprinting, at
// every nesting level. Two requests that differ only in these fields carry
// the same fingerprint.
var volatileFields = map[string]bool{
	"timestamp":  true,
	"request_id": true,
	"trace_id":   true,
	"nonce":      true,
}

// Fingerprint computes the replay-defense digest of a request payload:
// sha-256 over the canonical JSON (keys sorted recursively, volatile fields
// removed), truncated to the first 32 hex characters.
func Fingerprint(requestData map[string]interface{}) (string, error) {
	stripped := stripVolatile(requestData)
	canonical, err := core.Canonical(stripped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:32], nil
}

func stripVolatile(v interface{}) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, val := range node {
			if volatileFields[k] {
				continue
			}
			out[k] = stripVolatile(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, item := range node {
			out[i] = stripVolatile(item)
		}
		return out
	default:
		return v
	}
}
