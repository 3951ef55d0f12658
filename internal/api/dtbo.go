package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/device"
)

// handleExtractDtbo streams the device tree blob at the given table
// index, byte for byte as stored in the DTBO partition image.
func (s *Server) handleExtractDtbo(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an unsigned integer")
		return
	}

	img, err := s.dtbo()
	if err != nil {
		dtboExtractionsTotal.WithLabelValues("error").Inc()
		handleError(w, s.logger, err)
		return
	}
	defer img.Close()

	ex, err := device.NewExtractor(img)
	if err != nil {
		dtboExtractionsTotal.WithLabelValues("error").Inc()
		handleError(w, s.logger, err)
		return
	}

	blob, err := ex.ExtractEntry(uint32(index))
	if err != nil {
		dtboExtractionsTotal.WithLabelValues("error").Inc()
		handleError(w, s.logger, err)
		return
	}
	dtboExtractionsTotal.WithLabelValues("ok").Inc()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}
