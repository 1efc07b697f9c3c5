package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/reload"
)

type listRuntimesResponse struct {
	Runtimes []reload.RuntimeInfo `json:"runtimes"`
}

type restartResponse struct {
	Runtime string `json:"runtime"`
	Status  string `json:"status"`
}

func (s *Server) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listRuntimesResponse{Runtimes: s.registry.List()})
}

func (s *Server) handleGetRuntime(w http.ResponseWriter, r *http.Request) {
	f, ok := s.registry.Lookup(chi.URLParam(r, "key"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "runtime not found")
		return
	}
	s.writeJSON(w, http.StatusOK, f.Info())
}

// handleRestartRuntime starts a background restart. A restart already in
// flight absorbs the request and 409 is returned.
func (s *Server) handleRestartRuntime(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	f, ok := s.registry.Lookup(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, "runtime not found")
		return
	}

	if !f.Runtime().TriggerRestart() {
		s.writeError(w, http.StatusConflict, "restart already in progress")
		return
	}

	s.logger.Info("restart requested", "runtime", key, "request_id", requestID(r))
	s.writeJSON(w, http.StatusAccepted, restartResponse{Runtime: key, Status: "restarting"})
}
