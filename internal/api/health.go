package api

import "net/http"

type healthResponse struct {
	Status   string `json:"status"`
	Apps     int    `json:"apps"`
	Runtimes int    `json:"runtimes"`
}

// handleHealthz reports liveness. Apps and runtimes are counts only; a
// runtime mid-restart is still healthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Runtimes: len(s.registry.List())}
	if s.apps != nil {
		resp.Apps = len(s.apps.Apps())
	}
	s.writeJSON(w, http.StatusOK, resp)
}
