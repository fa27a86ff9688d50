package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ocx/runtime/internal/core"
	"github.com/ocx/runtime/internal/events"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"requests": s.deps.Approvals.ListPending(),
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Approvals.GetRequest(mux.Vars(r)["id"])
	if err != nil {
		failLookup(w, err)
		return
	}
	respond(w, http.StatusOK, req)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, core.Wrap(core.KindValidation, err, "decode request"))
		return
	}
	if strings.TrimSpace(req.Reviewer) == "" {
		fail(w, core.Errorf(core.KindValidation, "reviewer is required"))
		return
	}

	id := mux.Vars(r)["id"]
	token, err := s.deps.Approvals.Approve(id, req.Reviewer, req.Notes)
	if err != nil {
		failLookup(w, err)
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Emit(events.TypeApprovalGranted, "/api/v1/approvals", id, map[string]interface{}{
			"reviewer": req.Reviewer,
		})
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"request_id": id,
		"token":      token.Token,
		"expires_at": token.ExpiresAt,
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, core.Wrap(core.KindValidation, err, "decode request"))
		return
	}
	if strings.TrimSpace(req.Reviewer) == "" {
		fail(w, core.Errorf(core.KindValidation, "reviewer is required"))
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.deps.Approvals.Reject(id, req.Reviewer, req.Notes); err != nil {
		failLookup(w, err)
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Emit(events.TypeApprovalDenied, "/api/v1/approvals", id, map[string]interface{}{
			"reviewer": req.Reviewer,
		})
	}
	respond(w, http.StatusOK, map[string]string{"request_id": id, "status": "rejected"})
}
