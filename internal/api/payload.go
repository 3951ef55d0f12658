package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/apex"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/model"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/payload"
)

// planRequest describes the payload a caller wants a disk layout for.
type planRequest struct {
	BinaryName    string   `json:"binary_name,omitempty"`
	ConfigPath    string   `json:"config_path,omitempty"`
	Apexes        []string `json:"apexes"`
	ExtraApkCount int      `json:"extra_apk_count"`
	Debug         bool     `json:"debug"`
	PreferStaged  bool     `json:"prefer_staged"`
}

type planResponse struct {
	BuildID string        `json:"build_id"`
	Plan    *payload.Plan `json:"plan"`
}

func (s *Server) handlePlanPayload(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.BinaryName == "" && req.ConfigPath == "" {
		writeError(w, http.StatusBadRequest, "binary_name or config_path is required")
		return
	}
	if req.BinaryName != "" && req.ConfigPath != "" {
		writeError(w, http.StatusBadRequest, "binary_name and config_path are mutually exclusive")
		return
	}
	if req.ExtraApkCount < 0 {
		writeError(w, http.StatusBadRequest, "extra_apk_count must not be negative")
		return
	}

	debug := apex.DebugNone
	if req.Debug {
		debug = apex.DebugFull
	}

	list, err := s.loader.ListForRequest(r.Context(), req.PreferStaged, s.packages)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	selected, err := apex.Select(list, req.Apexes, debug)
	if err != nil {
		payloadPlansTotal.WithLabelValues("error").Inc()
		handleError(w, s.logger, err)
		return
	}

	app := payload.App{BinaryName: req.BinaryName, ConfigPath: req.ConfigPath}
	plan, err := s.builder.PlanDisk(app, selected, req.ExtraApkCount)
	if err != nil {
		payloadPlansTotal.WithLabelValues("error").Inc()
		handleError(w, s.logger, err)
		return
	}
	payloadPlansTotal.WithLabelValues("ok").Inc()

	build := &model.PayloadBuild{
		ID:             model.NewID(),
		ApexCount:      len(selected),
		PartitionCount: len(plan.Partitions),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.RecordPayloadBuild(r.Context(), build); err != nil {
		handleError(w, s.logger, err)
		return
	}

	s.logger.Info("payload planned",
		"build_id", build.ID,
		"apexes", build.ApexCount,
		"partitions", build.PartitionCount,
	)

	writeJSON(w, http.StatusOK, planResponse{BuildID: build.ID, Plan: plan})
}
