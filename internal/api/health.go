package api

import "net/http"

// handleHealthz reports liveness and whether VFIO passthrough is
// available on this host.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"vfio_supported": s.binder.Supported(),
	})
}
