package approval

import "time"

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
	StatusUsed     RequestStatus = "used"
)

// Request asks for permission to perform one side effect against one
// resource. Yellow and red zone requests wait for a reviewer; green zone
// requests may auto-approve at creation.
type Request struct {
	ID            string                 `json:"id"`
	Operation     string                 `json:"operation"`
	Resource      string                 `json:"resource"`
	Zone          string                 `json:"zone"`
	Requester     string                 `json:"requester"`
	Justification string                 `json:"justification"`
	Status        RequestStatus          `json:"status"`
	Reviewer      string                 `json:"reviewer,omitempty"`
	ReviewNotes   string                 `json:"review_notes,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	TokenID       string                 `json:"token_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	DecidedAt     *time.Time             `json:"decided_at,omitempty"`
	ExpiresAt     time.Time              `json:"expires_at"`
}

// Token is a single-use credential bound to one (operation, resource) pair.
// The checksum covers token|request|operation|resource|issued_at under the
// manager's derived key, so a token cannot be rebound after issuance.
type Token struct {
	Token     string     `json:"token"`
	RequestID string     `json:"request_id"`
	Operation string     `json:"operation"`
	Resource  string     `json:"resource"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	SingleUse bool       `json:"single_use"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	Checksum  string     `json:"checksum"`
}
