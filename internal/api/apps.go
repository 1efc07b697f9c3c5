package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/app"
)

type listAppsResponse struct {
	Apps []app.Info `json:"apps"`
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	infos := []app.Info{}
	if s.apps != nil {
		infos = s.apps.Infos()
	}
	s.writeJSON(w, http.StatusOK, listAppsResponse{Apps: infos})
}
