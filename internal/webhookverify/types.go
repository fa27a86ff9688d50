// Package webhookverify authenticates inbound webhooks: provider-specific
// signature schemes over shared HMAC, timestamp-window, and replay-defense
// primitives, plus a dispatch router that fans verified events out to
// handlers.
package webhookverify

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// Error codes surfaced in VerifyResult.ErrorCode.
const (
	CodeMissingSignature = "MISSING_SIGNATURE"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeTimestampRange   = "TIMESTAMP_OUT_OF_RANGE"
	CodeReplayDetected   = "REPLAY_DETECTED"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeURLMismatch      = "URL_MISMATCH"
	CodeNoRoute          = "NO_ROUTE"
	CodeInternal         = "VERIFIER_ERROR"
)

// Request is the provider-agnostic view of an inbound webhook.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	// Form carries parsed form parameters for providers that sign them
	// (Twilio). Nil when the body is not form-encoded.
	Form url.Values
}

// Header returns the first value for the named header.
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// VerifyResult is the outcome of one verification.
type VerifyResult struct {
	Valid     bool                   `json:"valid"`
	Provider  string                 `json:"provider"`
	Error     string                 `json:"error,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Event     map[string]interface{} `json:"event,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	// Duplicate flags an event whose id was already processed. The event is
	// still valid; handlers decide whether to skip it.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Verifier authenticates requests for one provider.
type Verifier interface {
	Provider() string
	Verify(req *Request) *VerifyResult
}

func invalid(provider, code, msg string) *VerifyResult {
	return &VerifyResult{Valid: false, Provider: provider, ErrorCode: code, Error: msg}
}

// parseEvent decodes a JSON body; a non-JSON body yields a nil event without
// failing verification (some providers post form data).
func parseEvent(body []byte) map[string]interface{} {
	var event map[string]interface{}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil
	}
	return event
}
