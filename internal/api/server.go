package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/runtime/internal/approval"
	"github.com/ocx/runtime/internal/core"
	"github.com/ocx/runtime/internal/events"
	"github.com/ocx/runtime/internal/idempotency"
	"github.com/ocx/runtime/internal/orchestrator"
	"github.com/ocx/runtime/internal/policy"
	"github.com/ocx/runtime/internal/statestore"
	"github.com/ocx/runtime/internal/webhookverify"
	"github.com/ocx/runtime/internal/websocket"
)

// Deps are the runtime components the HTTP surface exposes. Orchestrator and
// Policies are required; the rest disable their routes when nil.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Approvals    *approval.Manager
	Policies     *policy.Engine
	Store        *statestore.Store
	Ledger       *idempotency.Ledger
	Webhooks     *webhookverify.Router
	Bus          *events.EventBus
	Streamer     *websocket.Streamer
}

// Server is the REST and streaming gateway for the runtime.
type Server struct {
	deps    Deps
	env     string
	logger  *log.Logger
	httpSrv *http.Server
}

func NewServer(deps Deps, env string) *Server {
	return &Server{
		deps:   deps,
		env:    env,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Use(corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/runs", s.handleCreateRun).Methods("POST")
	v1.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	v1.HandleFunc("/runs/{id}", s.handleGetRun).Methods("GET")
	v1.HandleFunc("/runs/{id}/start", s.handleStartRun).Methods("POST")
	v1.HandleFunc("/runs/{id}/pause", s.handlePauseRun).Methods("POST")
	v1.HandleFunc("/runs/{id}/cancel", s.handleCancelRun).Methods("POST")
	v1.HandleFunc("/runs/{id}/messages", s.handleAddMessage).Methods("POST")
	v1.HandleFunc("/runs/{id}/tools", s.handleExecuteTool).Methods("POST")

	if s.deps.Approvals != nil {
		v1.HandleFunc("/approvals", s.handleListApprovals).Methods("GET")
		v1.HandleFunc("/approvals/{id}", s.handleGetApproval).Methods("GET")
		v1.HandleFunc("/approvals/{id}/approve", s.handleApprove).Methods("POST")
		v1.HandleFunc("/approvals/{id}/reject", s.handleReject).Methods("POST")
	}

	if s.deps.Policies != nil {
		v1.HandleFunc("/policies", s.handleListPolicies).Methods("GET")
		v1.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods("GET")
		v1.HandleFunc("/policies/{id}", s.handlePutPolicy).Methods("PUT")
		v1.HandleFunc("/policies/{id}", s.handleDeletePolicy).Methods("DELETE")
		v1.HandleFunc("/admin/killswitch", s.handleListKillswitches).Methods("GET")
		v1.HandleFunc("/admin/killswitch/{id}/trigger", s.handleTripKillswitch).Methods("POST")
		v1.HandleFunc("/admin/killswitch/{id}/reset", s.handleResetKillswitch).Methods("POST")
	}

	if s.deps.Store != nil {
		v1.HandleFunc("/state/{key:.+}", s.handleGetState).Methods("GET")
		v1.HandleFunc("/state/{key:.+}", s.handlePutState).Methods("PUT")
		v1.HandleFunc("/state/{key:.+}", s.handleDeleteState).Methods("DELETE")
	}

	if s.deps.Webhooks != nil {
		r.PathPrefix("/webhooks/").HandlerFunc(s.handleWebhook).Methods("POST")
	}
	if s.deps.Bus != nil {
		r.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")
	}
	if s.deps.Streamer != nil {
		r.HandleFunc("/ws", s.deps.Streamer.HandleWebSocket)
	}

	return r
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start(port string) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
	}
	s.logger.Printf("listening on :%s (env=%s)", port, s.env)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"env":    s.env,
		"time":   time.Now().UTC(),
	}
	if s.deps.Streamer != nil {
		health["streamer"] = s.deps.Streamer.Statistics()
	}
	if s.deps.Bus != nil {
		health["event_subscribers"] = s.deps.Bus.SubscriberCount()
	}
	respond(w, http.StatusOK, health)
}

// handleEventStream serves the bus as Server-Sent Events, optionally
// filtered with ?types=a,b.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.deps.Bus.Subscribe(splitTypes(r.URL.Query().Get("types"))...)
	defer s.deps.Bus.Unsubscribe(ch)

	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			frame, err := event.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Actor")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fail maps the typed error taxonomy onto HTTP statuses.
func fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindPolicyDenied:
		status = http.StatusForbidden
	case core.KindApprovalRequired:
		status = http.StatusForbidden
	case core.KindConflict, core.KindLock, core.KindCancelled:
		status = http.StatusConflict
	case core.KindTimeout:
		status = http.StatusGatewayTimeout
	case core.KindResourceLimit:
		status = http.StatusTooManyRequests
	case core.KindGateFailed:
		status = http.StatusUnprocessableEntity
	case core.KindVerificationFailed:
		status = http.StatusUnauthorized
	}

	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  string(core.KindOf(err)),
	}
	var ce *core.Error
	if errors.As(err, &ce) && len(ce.Details) > 0 {
		body["details"] = ce.Details
	}
	respond(w, status, body)
}

// notFound renders lookup misses as 404 instead of the generic 400 the
// validation kind would map to.
func notFound(w http.ResponseWriter, err error) {
	respond(w, http.StatusNotFound, map[string]interface{}{
		"error": err.Error(),
		"kind":  string(core.KindOf(err)),
	})
}

func actorFrom(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

func splitTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
