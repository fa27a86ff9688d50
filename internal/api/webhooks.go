package api

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ocx/runtime/internal/events"
	"github.com/ocx/runtime/internal/webhookverify"
)

// handleWebhook verifies and dispatches an inbound provider callback.
// Signature failures return 401 so the provider retries against a fixed
// endpoint rather than treating the event as delivered.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	req := &webhookverify.Request{
		Method:  r.Method,
		URL:     requestURL(r),
		Headers: r.Header,
		Body:    body,
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if form, perr := url.ParseQuery(string(body)); perr == nil {
			req.Form = form
		}
	}

	result := s.deps.Webhooks.Dispatch(r.Context(), r.URL.Path, req)
	if !result.Success {
		status := http.StatusUnauthorized
		if result.ErrorCode == webhookverify.CodeNoRoute {
			status = http.StatusNotFound
		}
		respond(w, status, map[string]interface{}{
			"received": false,
			"error":    result.Error,
			"code":     result.ErrorCode,
		})
		return
	}

	if s.deps.Bus != nil {
		s.deps.Bus.Emit(events.TypeWebhookReceived, r.URL.Path, result.Provider, map[string]interface{}{
			"event":    result.Event,
			"provider": result.Provider,
		})
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"provider": result.Provider,
		"event":    result.Event,
	})
}

// requestURL reconstructs the absolute URL providers sign against.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
