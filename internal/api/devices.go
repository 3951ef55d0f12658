package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/model"
)

// bindRequest asks for a set of platform devices to be rebound to the
// passthrough driver. Binding is all-or-stop: devices are bound in
// order and the first failure ends the batch, leaving earlier grants
// in place.
type bindRequest struct {
	Devices []bindRequestDevice `json:"devices"`
}

type bindRequestDevice struct {
	SysfsPath string `json:"sysfs_path"`
	DtboLabel string `json:"dtbo_label"`
}

type bindResponse struct {
	Grants []*model.DeviceGrant `json:"grants"`
}

func (s *Server) handleBindDevices(w http.ResponseWriter, r *http.Request) {
	if !s.binder.Supported() {
		writeError(w, http.StatusServiceUnavailable, "vfio is not supported on this host")
		return
	}

	var req bindRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Devices) == 0 {
		writeError(w, http.StatusBadRequest, "devices is required")
		return
	}
	for _, d := range req.Devices {
		if d.SysfsPath == "" {
			writeError(w, http.StatusBadRequest, "sysfs_path is required")
			return
		}
	}

	grants := make([]*model.DeviceGrant, 0, len(req.Devices))
	for _, d := range req.Devices {
		bound, err := s.binder.Bind(d.SysfsPath, d.DtboLabel)
		if err != nil {
			deviceBindsTotal.WithLabelValues("error").Inc()
			handleError(w, s.logger, err)
			return
		}
		deviceBindsTotal.WithLabelValues("ok").Inc()

		grant := &model.DeviceGrant{
			ID:        model.NewID(),
			SysfsPath: bound.SysfsPath(),
			DtboLabel: bound.DtboLabel(),
			BoundAt:   time.Now().UTC(),
		}
		if err := s.store.CreateDeviceGrant(r.Context(), grant); err != nil {
			bound.Release()
			handleError(w, s.logger, err)
			return
		}
		s.registry.Add(grant.ID, bound)
		grants = append(grants, grant)

		s.logger.Info("device bound",
			"grant_id", grant.ID,
			"sysfs_path", grant.SysfsPath,
			"dtbo_label", grant.DtboLabel,
		)
	}

	writeJSON(w, http.StatusCreated, bindResponse{Grants: grants})
}

func (s *Server) handleReleaseDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	bound, ok := s.registry.Remove(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no live grant with id "+id)
		return
	}
	bound.Release()

	if err := s.store.MarkDeviceReleased(r.Context(), id, time.Now().UTC()); err != nil {
		handleError(w, s.logger, err)
		return
	}

	s.logger.Info("device released", "grant_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	grants, err := s.store.ListDeviceGrants(r.Context(), activeOnly)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}
