// Package approval issues and validates single-use tokens gating side
// effects. Green zone requests may auto-approve at creation; yellow and red
// zones wait for an external reviewer.
package approval

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/ocx/runtime/internal/core"
)

// Config configures the manager. Zero values get sensible defaults.
type Config struct {
	Secret          string        // master secret; the signing key is derived from it
	RequestTTL      time.Duration // how long a pending request stays decidable
	TokenTTL        time.Duration // lifetime of issued tokens
	AutoApproveZone string        // zone auto-approved at request time ("" disables)
	SingleUse       bool          // issued tokens are consumed on first validation
	SweepInterval   time.Duration // how often expired requests/tokens are swept
}

// Manager owns the request and token stores.
type Manager struct {
	mu       sync.RWMutex
	key      []byte // HKDF-derived signing key
	cfg      Config
	logger   *log.Logger
	requests map[string]*Request
	tokens   map[string]*Token
	stopCh   chan struct{}
	stopOnce sync.Once
	nowFn    func() time.Time
}

// NewManager derives the signing key from cfg.Secret and starts the expiry
// sweeper. Call Close to stop the sweeper.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, core.Errorf(core.KindValidation, "approval secret must not be empty")
	}
	if cfg.RequestTTL == 0 {
		cfg.RequestTTL = time.Hour
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte("approval-token-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, core.Wrap(core.KindInternal, err, "derive signing key")
	}

	m := &Manager{
		key:      key,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags),
		requests: make(map[string]*Request),
		tokens:   make(map[string]*Token),
		stopCh:   make(chan struct{}),
		nowFn:    time.Now,
	}
	go m.sweepLoop()
	return m, nil
}

// Close stops the background sweeper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// RequestOptions carries optional request fields.
type RequestOptions struct {
	Justification string
	Metadata      map[string]interface{}
	TTL           time.Duration
}

// CreateRequest registers an approval request. If the zone matches the
// configured auto-approve zone, the request is approved and a token issued
// atomically with creation.
func (m *Manager) CreateRequest(operation, resource, zone, requester string, opts RequestOptions) (*Request, *Token, error) {
	if operation == "" || resource == "" {
		return nil, nil, core.Errorf(core.KindValidation, "operation and resource are required")
	}
	if !core.ValidZone(core.Zone(zone)) {
		return nil, nil, core.Errorf(core.KindValidation, "unknown zone %q", zone)
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.cfg.RequestTTL
	}

	now := m.nowFn()
	req := &Request{
		ID:            uuid.NewString(),
		Operation:     operation,
		Resource:      resource,
		Zone:          zone,
		Requester:     requester,
		Justification: opts.Justification,
		Status:        StatusPending,
		Metadata:      opts.Metadata,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var token *Token
	if m.cfg.AutoApproveZone != "" && zone == m.cfg.AutoApproveZone {
		req.Status = StatusApproved
		req.Reviewer = "auto"
		req.DecidedAt = &now
		tok, err := m.issueLocked(req, now)
		if err != nil {
			return nil, nil, err
		}
		token = tok
		m.logger.Printf("auto-approved %s request %s for %s on %s", zone, req.ID, operation, resource)
	}

	m.requests[req.ID] = req
	return cloneRequest(req), token, nil
}

// Approve records a reviewer decision and issues a token bound to the
// request's operation and resource.
func (m *Manager) Approve(requestID, reviewer, notes string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, core.Errorf(core.KindValidation, "unknown approval request %s", requestID)
	}
	now := m.nowFn()
	if now.After(req.ExpiresAt) {
		req.Status = StatusExpired
	}
	if req.Status != StatusPending {
		return nil, core.Errorf(core.KindConflict, "request %s is %s, not pending", requestID, req.Status)
	}

	req.Status = StatusApproved
	req.Reviewer = reviewer
	req.ReviewNotes = notes
	req.DecidedAt = &now

	tok, err := m.issueLocked(req, now)
	if err != nil {
		return nil, err
	}
	m.logger.Printf("request %s approved by %s", requestID, reviewer)
	return tok, nil
}

// Reject records a reviewer rejection. No token is issued.
func (m *Manager) Reject(requestID, reviewer, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return core.Errorf(core.KindValidation, "unknown approval request %s", requestID)
	}
	now := m.nowFn()
	if now.After(req.ExpiresAt) {
		req.Status = StatusExpired
	}
	if req.Status != StatusPending {
		return core.Errorf(core.KindConflict, "request %s is %s, not pending", requestID, req.Status)
	}

	req.Status = StatusRejected
	req.Reviewer = reviewer
	req.ReviewNotes = notes
	req.DecidedAt = &now
	m.logger.Printf("request %s rejected by %s", requestID, reviewer)
	return nil
}

// Validate checks a token against an (operation, resource) pair. With
// consume=true a single-use token is marked used and its request advances to
// "used"; a second validation fails.
func (m *Manager) Validate(tokenStr, operation, resource string, consume bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[tokenStr]
	if !ok {
		return m.requiredError("no valid approval token", operation, resource, "")
	}
	if tok.Used {
		return core.Errorf(core.KindApprovalRequired, "approval token already used").
			WithDetail("operation", operation).
			WithDetail("resource", resource)
	}
	now := m.nowFn()
	if now.After(tok.ExpiresAt) {
		return m.requiredError("approval token expired", operation, resource, tok.RequestID)
	}
	if tok.Operation != operation {
		return m.requiredError("approval token bound to different operation", operation, resource, tok.RequestID)
	}
	if tok.Resource != "*" && tok.Resource != resource {
		return m.requiredError("approval token bound to different resource", operation, resource, tok.RequestID)
	}
	if !hmac.Equal([]byte(m.checksum(tok)), []byte(tok.Checksum)) {
		return m.requiredError("approval token checksum mismatch", operation, resource, tok.RequestID)
	}

	if consume && tok.SingleUse {
		tok.Used = true
		tok.UsedAt = &now
		if req, ok := m.requests[tok.RequestID]; ok {
			req.Status = StatusUsed
		}
	}
	return nil
}

// GetRequest returns a copy of the request, refreshing its expiry status.
func (m *Manager) GetRequest(requestID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, core.Errorf(core.KindValidation, "unknown approval request %s", requestID)
	}
	if req.Status == StatusPending && m.nowFn().After(req.ExpiresAt) {
		req.Status = StatusExpired
	}
	return cloneRequest(req), nil
}

// ListPending returns pending, unexpired requests.
func (m *Manager) ListPending() []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.nowFn()
	out := make([]*Request, 0)
	for _, req := range m.requests {
		if req.Status == StatusPending && now.Before(req.ExpiresAt) {
			out = append(out, cloneRequest(req))
		}
	}
	return out
}

// issueLocked mints a token for an approved request. Caller holds m.mu.
func (m *Manager) issueLocked(req *Request, now time.Time) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, core.Wrap(core.KindInternal, err, "generate token")
	}
	tok := &Token{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		RequestID: req.ID,
		Operation: req.Operation,
		Resource:  req.Resource,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.TokenTTL),
		SingleUse: m.cfg.SingleUse,
	}
	tok.Checksum = m.checksum(tok)
	m.tokens[tok.Token] = tok
	req.TokenID = tok.Token
	return cloneToken(tok), nil
}

// checksum binds the token string to its request, operation, resource, and
// issue time under the derived key.
func (m *Manager) checksum(tok *Token) string {
	mac := hmac.New(sha256.New, m.key)
	fmt.Fprintf(mac, "%s|%s|%s|%s|%d",
		tok.Token, tok.RequestID, tok.Operation, tok.Resource, tok.IssuedAt.Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) requiredError(msg, operation, resource, requestID string) error {
	err := core.Errorf(core.KindApprovalRequired, "%s", msg).
		WithDetail("operation", operation).
		WithDetail("resource", resource)
	if requestID != "" {
		err = err.WithDetail("request_id", requestID)
	}
	return err
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep expires stale pending requests and drops tokens past their expiry.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	for _, req := range m.requests {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
		}
	}
	cutoff := now.Add(-time.Hour)
	for key, tok := range m.tokens {
		if tok.ExpiresAt.Before(cutoff) {
			delete(m.tokens, key)
		}
	}
	for id, req := range m.requests {
		if req.Status != StatusPending && req.ExpiresAt.Before(cutoff) {
			delete(m.requests, id)
		}
	}
}

func cloneRequest(req *Request) *Request {
	cp := *req
	return &cp
}

func cloneToken(tok *Token) *Token {
	cp := *tok
	return &cp
}
