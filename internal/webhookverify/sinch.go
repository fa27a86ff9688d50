package webhookverify

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"time"
)

const (
	sinchSignatureHeader = "x-sinch-webhook-signature"
	sinchNonceHeader     = "x-sinch-webhook-signature-nonce"
	sinchTimestampHeader = "x-sinch-webhook-signature-timestamp"
)

// SinchConfig configures the Sinch verifier. Sinch uses different schemes
// per product: SMS and Voice callbacks carry Basic auth, Conversation API
// callbacks carry an HMAC over nonce.timestamp.body.
type SinchConfig struct {
	BasicUser     string
	BasicPassword string
	HMACSecret    string
	MaxAge        time.Duration
	Replays       ReplayStore
}

// SinchVerifier routes by header shape: a signature header selects the
// Conversation scheme, otherwise Basic auth applies.
type SinchVerifier struct {
	cfg   SinchConfig
	nowFn func() time.Time
}

func NewSinchVerifier(cfg SinchConfig) *SinchVerifier {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.Replays == nil {
		cfg.Replays = NewMemoryReplayStore()
	}
	return &SinchVerifier{cfg: cfg, nowFn: time.Now}
}

func (v *SinchVerifier) Provider() string { return "sinch" }

func (v *SinchVerifier) Verify(req *Request) *VerifyResult {
	if req.Header(sinchSignatureHeader) != "" {
		return v.verifyConversation(req)
	}
	return v.verifyBasic(req)
}

// verifyConversation checks HMAC-SHA256(base64) over nonce.timestamp.body.
func (v *SinchVerifier) verifyConversation(req *Request) *VerifyResult {
	signature := req.Header(sinchSignatureHeader)
	nonce := req.Header(sinchNonceHeader)
	timestamp := req.Header(sinchTimestampHeader)
	if nonce == "" || timestamp == "" {
		return invalid("sinch", CodeInvalidSignature, "signature nonce or timestamp header missing")
	}

	if err := CheckTimestamp(timestamp, v.cfg.MaxAge, v.nowFn()); err != nil {
		return invalid("sinch", CodeTimestampRange, err.Error())
	}

	signed := nonce + "." + timestamp + "." + string(req.Body)
	expected, err := ComputeHMAC(AlgoSHA256, EncodingBase64, []byte(v.cfg.HMACSecret), []byte(signed))
	if err != nil {
		return invalid("sinch", CodeInternal, err.Error())
	}
	if !SignaturesEqual(signature, expected) {
		return invalid("sinch", CodeInvalidSignature, "signature mismatch")
	}

	// the nonce is single-use inside the window
	seen, err := v.cfg.Replays.CheckAndRecord("sinch:"+nonce, v.cfg.MaxAge)
	if err != nil {
		return invalid("sinch", CodeInternal, err.Error())
	}
	if seen {
		return invalid("sinch", CodeReplayDetected, "nonce already used")
	}

	return &VerifyResult{
		Valid: true, Provider: "sinch",
		Event:    parseEvent(req.Body),
		Metadata: map[string]interface{}{"scheme": "conversation"},
	}
}

// verifyBasic checks the Basic auth credentials SMS and Voice callbacks
// carry.
func (v *SinchVerifier) verifyBasic(req *Request) *VerifyResult {
	user, pass, ok := basicAuth(req.Header("Authorization"))
	if !ok {
		return invalid("sinch", CodeMissingSignature, "basic auth credentials missing")
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(v.cfg.BasicUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(v.cfg.BasicPassword)) == 1
	if !userOK || !passOK {
		return invalid("sinch", CodeInvalidSignature, "basic auth credentials rejected")
	}
	return &VerifyResult{
		Valid: true, Provider: "sinch",
		Event:    parseEvent(req.Body),
		Metadata: map[string]interface{}{"scheme": "basic"},
	}
}

func basicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}
