package webhookverify

import (
	"fmt"
	"strings"
	"time"
)

const (
	stripeSignatureHeader = "stripe-signature"
	stripeEventTTL        = 24 * time.Hour
)

// StripeConfig configures Stripe signature verification.
type StripeConfig struct {
	SigningSecret string
	MaxAge        time.Duration // default 5m
	Replays       ReplayStore
	Events        EventStore
}

// StripeVerifier checks the "stripe-signature" header: a t= timestamp plus
// one or more v1= HMAC-SHA256(hex) signatures over "t.body". Any matching v1
// passes. Event ids are marked processed; duplicates are flagged, not
// rejected.
type StripeVerifier struct {
	cfg   StripeConfig
	nowFn func() time.Time
}

func NewStripeVerifier(cfg StripeConfig) *StripeVerifier {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.Replays == nil {
		cfg.Replays = NewMemoryReplayStore()
	}
	if cfg.Events == nil {
		cfg.Events = NewMemoryEventStore()
	}
	return &StripeVerifier{cfg: cfg, nowFn: time.Now}
}

func (v *StripeVerifier) Provider() string { return "stripe" }

func (v *StripeVerifier) Verify(req *Request) *VerifyResult {
	header := req.Header(stripeSignatureHeader)
	if header == "" {
		return invalid("stripe", CodeMissingSignature, "stripe-signature header missing")
	}

	timestamp, candidates := parseStripeHeader(header)
	if timestamp == "" || len(candidates) == 0 {
		return invalid("stripe", CodeInvalidSignature, "malformed stripe-signature header")
	}

	if err := CheckTimestamp(timestamp, v.cfg.MaxAge, v.nowFn()); err != nil {
		return invalid("stripe", CodeTimestampRange, err.Error())
	}

	signedPayload := timestamp + "." + string(req.Body)
	expected, err := ComputeHMAC(AlgoSHA256, EncodingHex, []byte(v.cfg.SigningSecret), []byte(signedPayload))
	if err != nil {
		return invalid("stripe", CodeInternal, err.Error())
	}

	matched := ""
	for _, candidate := range candidates {
		if SignaturesEqual(candidate, expected) {
			matched = candidate
			break
		}
	}
	if matched == "" {
		return invalid("stripe", CodeInvalidSignature, "no v1 signature matched")
	}

	seen, err := v.cfg.Replays.CheckAndRecord(matched, v.cfg.MaxAge)
	if err != nil {
		return invalid("stripe", CodeInternal, fmt.Sprintf("replay store: %v", err))
	}
	if seen {
		return invalid("stripe", CodeReplayDetected, "signature already accepted inside the window")
	}

	res := &VerifyResult{Valid: true, Provider: "stripe", Event: parseEvent(req.Body)}
	if res.Event != nil {
		if id, _ := res.Event["id"].(string); id != "" {
			first, err := v.cfg.Events.MarkProcessed(id, stripeEventTTL)
			if err == nil && !first {
				res.Duplicate = true
			}
			res.Metadata = map[string]interface{}{"event_id": id}
		}
	}
	return res
}

// parseStripeHeader splits "t=...,v1=...,v1=..." into the timestamp and the
// v1 candidates.
func parseStripeHeader(header string) (timestamp string, candidates []string) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	return timestamp, candidates
}
