package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/runtime/internal/core"
	"github.com/ocx/runtime/internal/events"
	"github.com/ocx/runtime/internal/policy"
)

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"policies": s.deps.Policies.ListPolicies(),
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Policies.GetPolicy(mux.Vars(r)["id"])
	if !ok {
		notFound(w, core.Errorf(core.KindValidation, "policy %q not found", mux.Vars(r)["id"]))
		return
	}
	respond(w, http.StatusOK, p)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		fail(w, core.Wrap(core.KindValidation, err, "decode policy"))
		return
	}
	p.ID = mux.Vars(r)["id"]
	if err := s.deps.Policies.SetPolicy(p); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"policy_id": p.ID, "status": "stored"})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.deps.Policies.RemovePolicy(id)
	respond(w, http.StatusOK, map[string]string{"policy_id": id, "status": "removed"})
}

func (s *Server) handleListKillswitches(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"latched": s.deps.Policies.LatchedSwitches(),
	})
}

func (s *Server) handleTripKillswitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	id := mux.Vars(r)["id"]
	if err := s.deps.Policies.TripKillswitch(id, req.Reason); err != nil {
		failLookup(w, err)
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Emit(events.TypeKillswitchTripped, "/api/v1/admin", id, map[string]interface{}{
			"reason": req.Reason,
			"actor":  actorFrom(r),
		})
	}
	respond(w, http.StatusOK, map[string]string{"policy_id": id, "status": "latched"})
}

func (s *Server) handleResetKillswitch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.Policies.ResetKillswitch(id) {
		notFound(w, core.Errorf(core.KindValidation, "killswitch %q is not latched", id))
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Emit(events.TypeKillswitchReset, "/api/v1/admin", id, map[string]interface{}{
			"actor": actorFrom(r),
		})
	}
	respond(w, http.StatusOK, map[string]string{"policy_id": id, "status": "reset"})
}
