package webhookverify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedStripeRequest(t *testing.T, secret string, body []byte, ts time.Time) *Request {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := ComputeHMAC(AlgoSHA256, EncodingHex, []byte(secret), []byte(stamp+"."+string(body)))
	require.NoError(t, err)
	return &Request{
		Method: http.MethodPost,
		URL:    "https://hooks.example.com/stripe",
		Headers: http.Header{
			"Stripe-Signature": []string{fmt.Sprintf("t=%s,v1=%s", stamp, sig)},
		},
		Body: body,
	}
}

func TestStripeValidSignature(t *testing.T) {
	v := NewStripeVerifier(StripeConfig{SigningSecret: "whsec_test"})
	body := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	res := v.Verify(signedStripeRequest(t, "whsec_test", body, time.Now()))

	require.True(t, res.Valid, "error: %s", res.Error)
	assert.Equal(t, "stripe", res.Provider)
	assert.Equal(t, "invoice.paid", res.Event["type"])
	assert.False(t, res.Duplicate)
	assert.Equal(t, "evt_1", res.Metadata["event_id"])
}

func TestStripeWrongSecretRejected(t *testing.T) {
	v := NewStripeVerifier(StripeConfig{SigningSecret: "whsec_real"})
	body := []byte(`{"id":"evt_2"}`)

	res := v.Verify(signedStripeRequest(t, "whsec_forged", body, time.Now()))

	require.False(t, res.Valid)
	assert.Equal(t, CodeInvalidSignature, res.ErrorCode)
}

func TestStripeStaleTimestampRejected(t *testing.T) {
	v := NewStripeVerifier(StripeConfig{SigningSecret: "whsec_test"})
	body := []byte(`{"id":"evt_3"}`)

	res := v.Verify(signedStripeRequest(t, "whsec_test", body, time.Now().Add(-10*time.Minute)))

	require.False(t, res.Valid)
	assert.Equal(t, CodeTimestampRange, res.ErrorCode)
}

func TestStripeReplayRejected(t *testing.T) {
	v := NewStripeVerifier(StripeConfig{SigningSecret: "whsec_test"})
	body := []byte(`{"id":"evt_4"}`)
	req := signedStripeRequest(t, "whsec_test", body, time.Now())

	first := v.Verify(req)
	require.True(t, first.Valid)

	second := v.Verify(req)
	require.False(t, second.Valid)
	assert.Equal(t, CodeReplayDetected, second.ErrorCode)
}

func TestStripeDuplicateEventFlagged(t *testing.T) {
	v := NewStripeVerifier(StripeConfig{SigningSecret: "whsec_test"})
	body := []byte(`{"id":"evt_5","type":"invoice.paid"}`)

	first := v.Verify(signedStripeRequest(t, "whsec_test", body, time.Now()))
	require.True(t, first.Valid)
	assert.False(t, first.Duplicate)

	// fresh timestamp gives a fresh signature, so only the event id repeats
	second := v.Verify(signedStripeRequest(t, "whsec_test", body, time.Now().Add(2*time.Second)))
	require.True(t, second.Valid)
	assert.True(t, second.Duplicate)
}

func TestStripeMissingHeader(t *testing.T) {
	v := NewStripeVerifier(StripeConfig{SigningSecret: "whsec_test"})

	res := v.Verify(&Request{Body: []byte(`{}`), Headers: http.Header{}})

	require.False(t, res.Valid)
	assert.Equal(t, CodeMissingSignature, res.ErrorCode)
}

func twilioRequest(t *testing.T, token, webhookURL string, form url.Values) *Request {
	t.Helper()
	base := webhookURL + concatSortedParams(&Request{Form: form})
	sig, err := ComputeHMAC(AlgoSHA1, EncodingBase64, []byte(token), []byte(base))
	require.NoError(t, err)
	return &Request{
		Method:  http.MethodPost,
		URL:     webhookURL,
		Headers: http.Header{"X-Twilio-Signature": []string{sig}},
		Form:    form,
	}
}

func TestTwilioValidSignature(t *testing.T) {
	const webhookURL = "https://hooks.example.com/twilio"
	v := NewTwilioVerifier(TwilioConfig{AuthToken: "tok", WebhookURL: webhookURL})
	form := url.Values{
		"From": []string{"+15550001111"},
		"Body": []string{"hello"},
		"To":   []string{"+15552223333"},
	}

	res := v.Verify(twilioRequest(t, "tok", webhookURL, form))

	require.True(t, res.Valid, "error: %s", res.Error)
	assert.Equal(t, "hello", res.Event["Body"])
}

func TestTwilioURLMismatchRejected(t *testing.T) {
	v := NewTwilioVerifier(TwilioConfig{AuthToken: "tok", WebhookURL: "https://hooks.example.com/twilio"})
	req := twilioRequest(t, "tok", "https://hooks.example.com/twilio", url.Values{"Body": []string{"x"}})
	req.URL = "https://attacker.example.com/twilio"

	res := v.Verify(req)

	require.False(t, res.Valid)
	assert.Equal(t, CodeURLMismatch, res.ErrorCode)
}

func TestTwilioTamperedFormRejected(t *testing.T) {
	const webhookURL = "https://hooks.example.com/twilio"
	v := NewTwilioVerifier(TwilioConfig{AuthToken: "tok", WebhookURL: webhookURL})
	req := twilioRequest(t, "tok", webhookURL, url.Values{"Body": []string{"hello"}})
	req.Form.Set("Body", "tampered")

	res := v.Verify(req)

	require.False(t, res.Valid)
	assert.Equal(t, CodeInvalidSignature, res.ErrorCode)
}

func sinchConversationRequest(t *testing.T, secret, nonce string, ts time.Time, body []byte) *Request {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := ComputeHMAC(AlgoSHA256, EncodingBase64, []byte(secret),
		[]byte(nonce+"."+stamp+"."+string(body)))
	require.NoError(t, err)
	return &Request{
		Method: http.MethodPost,
		Headers: http.Header{
			"X-Sinch-Webhook-Signature":           []string{sig},
			"X-Sinch-Webhook-Signature-Nonce":     []string{nonce},
			"X-Sinch-Webhook-Signature-Timestamp": []string{stamp},
		},
		Body: body,
	}
}

func TestSinchConversationScheme(t *testing.T) {
	v := NewSinchVerifier(SinchConfig{HMACSecret: "sinch-secret"})
	body := []byte(`{"message_id":"m1"}`)

	res := v.Verify(sinchConversationRequest(t, "sinch-secret", "nonce-1", time.Now(), body))

	require.True(t, res.Valid, "error: %s", res.Error)
	assert.Equal(t, "conversation", res.Metadata["scheme"])
}

func TestSinchNonceSingleUse(t *testing.T) {
	v := NewSinchVerifier(SinchConfig{HMACSecret: "sinch-secret"})
	body := []byte(`{"message_id":"m2"}`)
	req := sinchConversationRequest(t, "sinch-secret", "nonce-2", time.Now(), body)

	require.True(t, v.Verify(req).Valid)

	res := v.Verify(req)
	require.False(t, res.Valid)
	assert.Equal(t, CodeReplayDetected, res.ErrorCode)
}

func TestSinchBasicScheme(t *testing.T) {
	v := NewSinchVerifier(SinchConfig{BasicUser: "app", BasicPassword: "s3cret"})
	req := &Request{
		Headers: http.Header{"Authorization": []string{"Basic YXBwOnMzY3JldA=="}}, // app:s3cret
		Body:    []byte(`{"event":"sms.inbound"}`),
	}

	res := v.Verify(req)

	require.True(t, res.Valid, "error: %s", res.Error)
	assert.Equal(t, "basic", res.Metadata["scheme"])
}

func TestSinchBasicWrongPassword(t *testing.T) {
	v := NewSinchVerifier(SinchConfig{BasicUser: "app", BasicPassword: "right"})
	req := &Request{
		Headers: http.Header{"Authorization": []string{"Basic YXBwOndyb25n"}}, // app:wrong
		Body:    []byte(`{}`),
	}

	res := v.Verify(req)

	require.False(t, res.Valid)
	assert.Equal(t, CodeInvalidSignature, res.ErrorCode)
}

func genericRequest(t *testing.T, cfg GenericConfig, body []byte, ts time.Time) *Request {
	t.Helper()
	headers := http.Header{}
	payload := body
	if cfg.TimestampHeader != "" {
		stamp := strconv.FormatInt(ts.Unix(), 10)
		headers.Set(cfg.TimestampHeader, stamp)
		if cfg.SignTimestamp {
			sep := cfg.Separator
			if sep == "" {
				sep = "."
			}
			payload = []byte(stamp + sep + string(body))
		}
	}
	sig, err := ComputeHMAC(cfg.Algorithm, cfg.Encoding, []byte(cfg.Secret), payload)
	require.NoError(t, err)
	header := cfg.SignatureHeader
	if header == "" {
		header = "X-Webhook-Signature"
	}
	headers.Set(header, cfg.Prefix+sig)
	return &Request{Method: http.MethodPost, Headers: headers, Body: body}
}

func TestGenericPrefixAndHexDefaults(t *testing.T) {
	cfg := GenericConfig{Secret: "gsec", Prefix: "sha256="}
	v := NewGenericVerifier(cfg)
	body := []byte(`{"n":1}`)

	res := v.Verify(genericRequest(t, cfg, body, time.Now()))

	require.True(t, res.Valid, "error: %s", res.Error)
	assert.Equal(t, "generic", res.Provider)
}

func TestGenericTimestampInSignature(t *testing.T) {
	cfg := GenericConfig{
		ProviderName:    "acme",
		Secret:          "gsec",
		SignatureHeader: "X-Acme-Signature",
		TimestampHeader: "X-Acme-Timestamp",
		SignTimestamp:   true,
		Algorithm:       AlgoSHA512,
		Encoding:        EncodingBase64,
	}
	v := NewGenericVerifier(cfg)
	body := []byte(`{"n":2}`)

	res := v.Verify(genericRequest(t, cfg, body, time.Now()))
	require.True(t, res.Valid, "error: %s", res.Error)

	stale := v.Verify(genericRequest(t, cfg, body, time.Now().Add(-time.Hour)))
	require.False(t, stale.Valid)
	assert.Equal(t, CodeTimestampRange, stale.ErrorCode)
}

func TestGenericReplayRejected(t *testing.T) {
	cfg := GenericConfig{Secret: "gsec"}
	v := NewGenericVerifier(cfg)
	req := genericRequest(t, cfg, []byte(`{"n":3}`), time.Now())

	require.True(t, v.Verify(req).Valid)

	res := v.Verify(req)
	require.False(t, res.Valid)
	assert.Equal(t, CodeReplayDetected, res.ErrorCode)
}

func TestMemoryReplayStoreExpiry(t *testing.T) {
	s := NewMemoryReplayStore()

	seen, err := s.CheckAndRecord("k", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = s.CheckAndRecord("k", 20*time.Millisecond)
	assert.True(t, seen)

	time.Sleep(30 * time.Millisecond)
	seen, _ = s.CheckAndRecord("k", 20*time.Millisecond)
	assert.False(t, seen)
}

func TestCheckTimestampFutureSkew(t *testing.T) {
	now := time.Now()

	within := strconv.FormatInt(now.Add(30*time.Second).Unix(), 10)
	assert.NoError(t, CheckTimestamp(within, 5*time.Minute, now))

	beyond := strconv.FormatInt(now.Add(5*time.Minute).Unix(), 10)
	assert.Error(t, CheckTimestamp(beyond, 5*time.Minute, now))

	assert.Error(t, CheckTimestamp("not-a-number", 5*time.Minute, now))
}

func TestRouterDispatchAndHandlerIsolation(t *testing.T) {
	r := NewRouter()
	v := NewStripeVerifier(StripeConfig{SigningSecret: "whsec_test"})
	r.Register("/webhooks/stripe", "stripe", v)

	var order []string
	r.OnEvent("stripe", func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	r.OnEvent("stripe", func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error {
		order = append(order, "second")
		return nil
	})
	r.OnAnyEvent(func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error {
		order = append(order, "global")
		return nil
	})

	body := []byte(`{"id":"evt_r1","type":"invoice.paid"}`)
	out := r.Dispatch(context.Background(), "/webhooks/stripe", signedStripeRequest(t, "whsec_test", body, time.Now()))

	require.True(t, out.Success)
	assert.Equal(t, []string{"first", "second", "global"}, order)
	assert.Equal(t, []string{"boom"}, out.HandlerErrs)
	assert.Equal(t, "invoice.paid", out.Event["type"])
}

func TestRouterHandlerPanicContained(t *testing.T) {
	r := NewRouter()
	r.Register("/hooks/generic", "generic", NewGenericVerifier(GenericConfig{Secret: "gsec"}))

	ran := false
	r.OnEvent("generic", func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error {
		panic("bad handler")
	})
	r.OnEvent("generic", func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error {
		ran = true
		return nil
	})

	cfg := GenericConfig{Secret: "gsec"}
	out := r.Dispatch(context.Background(), "/hooks/generic", genericRequest(t, cfg, []byte(`{"n":4}`), time.Now()))

	require.True(t, out.Success)
	assert.True(t, ran)
	require.Len(t, out.HandlerErrs, 1)
	assert.Contains(t, out.HandlerErrs[0], "handler panic")
}

func TestRouterNoRoute(t *testing.T) {
	r := NewRouter()

	out := r.Dispatch(context.Background(), "/unknown", &Request{})

	require.False(t, out.Success)
	assert.Equal(t, CodeNoRoute, out.ErrorCode)
}

func TestRouterDefaultProviderFallback(t *testing.T) {
	r := NewRouter()
	cfg := GenericConfig{Secret: "gsec"}
	r.Register("/hooks/generic", "generic", NewGenericVerifier(cfg))
	r.SetDefaultProvider("generic")

	out := r.Dispatch(context.Background(), "/some/other/path", genericRequest(t, cfg, []byte(`{"n":5}`), time.Now()))

	require.True(t, out.Success)
	assert.Equal(t, "generic", out.Provider)
}

func TestRouterRejectsInvalidSignature(t *testing.T) {
	r := NewRouter()
	r.Register("/webhooks/stripe", "stripe", NewStripeVerifier(StripeConfig{SigningSecret: "whsec_real"}))

	called := false
	r.OnEvent("stripe", func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error {
		called = true
		return nil
	})

	body := []byte(`{"id":"evt_r2"}`)
	out := r.Dispatch(context.Background(), "/webhooks/stripe", signedStripeRequest(t, "whsec_forged", body, time.Now()))

	require.False(t, out.Success)
	assert.False(t, called)
	assert.Equal(t, CodeInvalidSignature, out.ErrorCode)
}

func TestRouterMiddlewareOrder(t *testing.T) {
	r := NewRouter()
	cfg := GenericConfig{Secret: "gsec"}
	r.Register("/hooks/generic", "generic", NewGenericVerifier(cfg))

	var trace []string
	r.Use(func(next Handler) Handler {
		return func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error {
			trace = append(trace, "outer-in")
			err := next(ctx, provider, event, res)
			trace = append(trace, "outer-out")
			return err
		}
	})
	r.Use(func(next Handler) Handler {
		return func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error {
			trace = append(trace, "inner-in")
			err := next(ctx, provider, event, res)
			trace = append(trace, "inner-out")
			return err
		}
	})
	r.OnEvent("generic", func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error {
		trace = append(trace, "handler")
		return nil
	})

	out := r.Dispatch(context.Background(), "/hooks/generic", genericRequest(t, cfg, []byte(`{"n":6}`), time.Now()))

	require.True(t, out.Success)
	assert.Equal(t, []string{"outer-in", "inner-in", "handler", "inner-out", "outer-out"}, trace)
}
