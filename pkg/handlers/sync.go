package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/services"
)

// SyncHandler handles sync run endpoints: manual triggers, status, history
// and cancellation.
type SyncHandler struct {
	orchestrator *services.SyncOrchestrator
	logger       *zap.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(orchestrator *services.SyncOrchestrator, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{orchestrator: orchestrator, logger: logger}
}

// RegisterRoutes registers the sync handler's routes on the given mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/configs/{id}/sync", h.Trigger)
	mux.HandleFunc("GET /api/configs/{id}/runs", h.ListRuns)
	mux.HandleFunc("GET /api/runs/{id}", h.GetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", h.CancelRun)
}

// Trigger handles POST /api/configs/{id}/sync.
// Starts a run immediately, outside the configuration's schedule. Responds
// 409 when a run for this configuration is already in flight.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	runID, err := h.orchestrator.TriggerSync(r.Context(), id)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID.String(),
		"status": "running",
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListRuns handles GET /api/configs/{id}/runs.
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.orchestrator.ListRuns(r.Context(), id, limit)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetRun handles GET /api/runs/{id}.
func (h *SyncHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	run, err := h.orchestrator.GetRunStatus(r.Context(), id)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, run); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// CancelRun handles POST /api/runs/{id}/cancel.
// Cancellation is cooperative: the run stops at its next page boundary and
// keeps the pages already committed. Responds 404 when the run is not in
// flight in this process.
func (h *SyncHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	if err := h.orchestrator.CancelRun(id); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
