package webhookverify

import (
	"time"
)

// GenericConfig parameterizes the shared HMAC scheme for providers without a
// dedicated verifier.
type GenericConfig struct {
	ProviderName    string
	Secret          string
	SignatureHeader string // e.g. "X-Webhook-Signature"
	Prefix          string // e.g. "sha256="
	Algorithm       string // sha1, sha256, sha512; default sha256
	Encoding        string // hex, base64; default hex
	TimestampHeader string // empty disables the timestamp check
	// SignTimestamp includes "timestamp||Separator||body" in the signed
	// payload instead of the bare body.
	SignTimestamp bool
	Separator     string // default "."
	MaxAge        time.Duration
	Replays       ReplayStore
}

// GenericVerifier is a configurable HMAC verifier.
type GenericVerifier struct {
	cfg   GenericConfig
	nowFn func() time.Time
}

func NewGenericVerifier(cfg GenericConfig) *GenericVerifier {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "generic"
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Webhook-Signature"
	}
	if cfg.Separator == "" {
		cfg.Separator = "."
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.Replays == nil {
		cfg.Replays = NewMemoryReplayStore()
	}
	return &GenericVerifier{cfg: cfg, nowFn: time.Now}
}

func (v *GenericVerifier) Provider() string { return v.cfg.ProviderName }

func (v *GenericVerifier) Verify(req *Request) *VerifyResult {
	signature := req.Header(v.cfg.SignatureHeader)
	if signature == "" {
		return invalid(v.cfg.ProviderName, CodeMissingSignature, v.cfg.SignatureHeader+" header missing")
	}
	signature = StripPrefix(signature, v.cfg.Prefix)

	payload := req.Body
	if v.cfg.TimestampHeader != "" {
		timestamp := req.Header(v.cfg.TimestampHeader)
		if timestamp == "" {
			return invalid(v.cfg.ProviderName, CodeMissingSignature, v.cfg.TimestampHeader+" header missing")
		}
		if err := CheckTimestamp(timestamp, v.cfg.MaxAge, v.nowFn()); err != nil {
			return invalid(v.cfg.ProviderName, CodeTimestampRange, err.Error())
		}
		if v.cfg.SignTimestamp {
			payload = []byte(timestamp + v.cfg.Separator + string(req.Body))
		}
	}

	expected, err := ComputeHMAC(v.cfg.Algorithm, v.cfg.Encoding, []byte(v.cfg.Secret), payload)
	if err != nil {
		return invalid(v.cfg.ProviderName, CodeInternal, err.Error())
	}
	if !SignaturesEqual(signature, expected) {
		return invalid(v.cfg.ProviderName, CodeInvalidSignature, "signature mismatch")
	}

	seen, err := v.cfg.Replays.CheckAndRecord(v.cfg.ProviderName+":"+signature, v.cfg.MaxAge)
	if err != nil {
		return invalid(v.cfg.ProviderName, CodeInternal, err.Error())
	}
	if seen {
		return invalid(v.cfg.ProviderName, CodeReplayDetected, "signature already accepted inside the window")
	}

	return &VerifyResult{Valid: true, Provider: v.cfg.ProviderName, Event: parseEvent(req.Body)}
}
