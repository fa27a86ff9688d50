package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ocx/runtime/internal/core"
	"github.com/ocx/runtime/internal/orchestrator"
)

type createRunRequest struct {
	AgentID   string                 `json:"agent_id"`
	AgentSpec map[string]interface{} `json:"agent_spec"`
	Task      string                 `json:"task"`
	Mode      string                 `json:"mode"`
	Zone      string                 `json:"zone"`
	Input     map[string]interface{} `json:"input"`
}

// handleCreateRun registers a run. An Idempotency-Key header routes the
// creation through the ledger so retried requests replay the original run.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, core.Wrap(core.KindValidation, err, "decode request"))
		return
	}

	create := func() (*orchestrator.Run, error) {
		return s.deps.Orchestrator.CreateRun(r.Context(), req.AgentID, req.AgentSpec, req.Task, req.Mode, core.Zone(req.Zone), req.Input)
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" || s.deps.Ledger == nil {
		run, err := create()
		if err != nil {
			fail(w, err)
			return
		}
		respond(w, http.StatusCreated, run)
		return
	}

	requestData := map[string]interface{}{
		"agent_id": req.AgentID,
		"task":     req.Task,
		"mode":     req.Mode,
		"zone":     req.Zone,
		"input":    req.Input,
	}
	exec, err := s.deps.Ledger.Execute(r.Context(), idemKey, "create_run", requestData, func(context.Context) (interface{}, error) {
		return create()
	})
	if err != nil {
		fail(w, err)
		return
	}

	if exec.Cached {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(exec.Result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := core.RunStatus(r.URL.Query().Get("status"))
	respond(w, http.StatusOK, map[string]interface{}{
		"runs": s.deps.Orchestrator.ListRuns(status),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Orchestrator.LoadRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failLookup(w, err)
		return
	}
	respond(w, http.StatusOK, run)
}

// handleStartRun drives the run to its next resting point. With ?async=true
// the request returns immediately and the run executes in the background.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if r.URL.Query().Get("async") == "true" {
		if _, err := s.deps.Orchestrator.GetRun(id); err != nil {
			failLookup(w, err)
			return
		}
		go func() {
			if _, err := s.deps.Orchestrator.StartRun(context.Background(), id); err != nil {
				s.logger.Printf("async run %s: %v", id, err)
			}
		}()
		respond(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "accepted"})
		return
	}

	run, err := s.deps.Orchestrator.StartRun(r.Context(), id)
	if err != nil {
		if run != nil {
			respondRunError(w, run, err)
			return
		}
		failLookup(w, err)
		return
	}
	respond(w, http.StatusOK, run)
}

// handlePauseRun suspends a running run; POST /runs/{id}/start resumes it.
func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Orchestrator.PauseRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failLookup(w, err)
		return
	}
	respond(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Orchestrator.CancelRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failLookup(w, err)
		return
	}
	respond(w, http.StatusOK, run)
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, core.Wrap(core.KindValidation, err, "decode request"))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Orchestrator.AddMessage(r.Context(), id, req.Role, req.Content); err != nil {
		failLookup(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"run_id": id, "status": "added"})
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool  string                 `json:"tool"`
		Input map[string]interface{} `json:"input"`
		Token string                 `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, core.Wrap(core.KindValidation, err, "decode request"))
		return
	}
	rec, err := s.deps.Orchestrator.ExecuteTool(r.Context(), mux.Vars(r)["id"], req.Tool, req.Input, req.Token)
	if err != nil {
		failLookup(w, err)
		return
	}
	respond(w, http.StatusOK, rec)
}

// respondRunError reports a run that ran but ended badly; the run snapshot
// rides along with the error so the caller sees where it stopped.
func respondRunError(w http.ResponseWriter, run *orchestrator.Run, err error) {
	status := http.StatusUnprocessableEntity
	if core.IsKind(err, core.KindApprovalRequired) {
		status = http.StatusAccepted
	}
	body := map[string]interface{}{
		"run":   run,
		"error": err.Error(),
		"kind":  string(core.KindOf(err)),
	}
	respond(w, status, body)
}

// failLookup turns "not found" validation errors into 404s.
func failLookup(w http.ResponseWriter, err error) {
	msg := err.Error()
	if core.IsKind(err, core.KindValidation) && (strings.Contains(msg, "not found") || strings.Contains(msg, "unknown")) {
		notFound(w, err)
		return
	}
	fail(w, err)
}
