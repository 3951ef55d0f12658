package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/apex"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/device"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/payload"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/store"
)

const maxBodySize = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes. Untrusted
// modules and disallowed staged overrides are policy refusals, bind
// and extraction failures against a well-formed request are server
// side, and anything unrecognized is treated as an internal error.
func statusFor(err error) int {
	var (
		invalidDev *device.InvalidDeviceError
		bindErr    *device.BindError
		noGroup    *device.NoIommuGroupError
		outOfRange *device.IndexOutOfRangeError
		untrusted  *apex.UntrustedModuleError
	)

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &outOfRange):
		return http.StatusNotFound
	case errors.As(err, &untrusted):
		return http.StatusForbidden
	case errors.Is(err, apex.ErrStagedDisallowed):
		return http.StatusForbidden
	case errors.Is(err, payload.ErrManifestMismatch):
		return http.StatusConflict
	case errors.As(err, &invalidDev):
		return http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrCorruptHeader):
		return http.StatusUnprocessableEntity
	case errors.As(err, &noGroup):
		return http.StatusInternalServerError
	case errors.As(err, &bindErr):
		return http.StatusInternalServerError
	case errors.Is(err, device.ErrArithmeticOverflow):
		return http.StatusInternalServerError
	case errors.Is(err, apex.ErrCatalogUnavailable):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// handleError logs server-side failures and writes the mapped status.
func handleError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}
