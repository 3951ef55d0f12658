package api

import (
	"net/http"
)

// handleListApexes returns the resolved APEX catalog. With
// ?staged=true the catalog reflects staged sessions not yet applied,
// which early-boot daemons refuse.
func (s *Server) handleListApexes(w http.ResponseWriter, r *http.Request) {
	preferStaged := r.URL.Query().Get("staged") == "true"

	list, err := s.loader.ListForRequest(r.Context(), preferStaged, s.packages)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}
