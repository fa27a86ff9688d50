package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/runtime/internal/core"
	"github.com/ocx/runtime/internal/statestore"
)

func envFrom(r *http.Request, fallback string) string {
	if env := r.URL.Query().Get("env"); env != "" {
		return env
	}
	return fallback
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	env := envFrom(r, s.env)

	if r.URL.Query().Get("history") == "true" {
		entries, err := s.deps.Store.History(r.Context(), key, env)
		if err != nil {
			fail(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{"key": key, "history": entries})
		return
	}

	entry, found, err := s.deps.Store.Get(r.Context(), key, env)
	if err != nil {
		fail(w, err)
		return
	}
	if !found {
		notFound(w, core.Errorf(core.KindValidation, "key %q not found", key))
		return
	}
	respond(w, http.StatusOK, entry)
}

func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var value interface{}
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		fail(w, core.Wrap(core.KindValidation, err, "decode value"))
		return
	}

	entry, err := s.deps.Store.Put(r.Context(), key, value, statestore.PutOptions{
		Environment: envFrom(r, s.env),
		Actor:       actorFrom(r),
	})
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	deleted, err := s.deps.Store.Delete(r.Context(), key, envFrom(r, s.env), actorFrom(r))
	if err != nil {
		fail(w, err)
		return
	}
	if !deleted {
		notFound(w, core.Errorf(core.KindValidation, "key %q not found", key))
		return
	}
	respond(w, http.StatusOK, map[string]string{"key": key, "status": "deleted"})
}
