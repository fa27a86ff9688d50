package webhookverify

import (
	"sort"
	"time"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// TwilioConfig configures Twilio signature verification.
type TwilioConfig struct {
	AuthToken  string
	WebhookURL string // the exact URL Twilio was configured to post to
	MaxAge     time.Duration
	Replays    ReplayStore
}

// TwilioVerifier checks the X-Twilio-Signature header: HMAC-SHA1(base64)
// over the configured URL followed by the form parameters concatenated as
// key+value in sorted key order.
type TwilioVerifier struct {
	cfg TwilioConfig
}

func NewTwilioVerifier(cfg TwilioConfig) *TwilioVerifier {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.Replays == nil {
		cfg.Replays = NewMemoryReplayStore()
	}
	return &TwilioVerifier{cfg: cfg}
}

func (v *TwilioVerifier) Provider() string { return "twilio" }

func (v *TwilioVerifier) Verify(req *Request) *VerifyResult {
	signature := req.Header(twilioSignatureHeader)
	if signature == "" {
		return invalid("twilio", CodeMissingSignature, "X-Twilio-Signature header missing")
	}
	if v.cfg.WebhookURL != "" && req.URL != v.cfg.WebhookURL {
		return invalid("twilio", CodeURLMismatch, "request URL does not match the configured webhook URL")
	}

	base := v.cfg.WebhookURL
	if base == "" {
		base = req.URL
	}
	base += concatSortedParams(req)

	expected, err := ComputeHMAC(AlgoSHA1, EncodingBase64, []byte(v.cfg.AuthToken), []byte(base))
	if err != nil {
		return invalid("twilio", CodeInternal, err.Error())
	}
	if !SignaturesEqual(signature, expected) {
		return invalid("twilio", CodeInvalidSignature, "signature mismatch")
	}

	seen, err := v.cfg.Replays.CheckAndRecord(signature, v.cfg.MaxAge)
	if err != nil {
		return invalid("twilio", CodeInternal, err.Error())
	}
	if seen {
		return invalid("twilio", CodeReplayDetected, "signature already accepted inside the window")
	}

	event := make(map[string]interface{}, len(req.Form))
	for k := range req.Form {
		event[k] = req.Form.Get(k)
	}
	return &VerifyResult{Valid: true, Provider: "twilio", Event: event}
}

func concatSortedParams(req *Request) string {
	if len(req.Form) == 0 {
		return ""
	}
	keys := make([]string, 0, len(req.Form))
	for k := range req.Form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += k + req.Form.Get(k)
	}
	return out
}
