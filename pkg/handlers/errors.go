package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/services"
)

// ResolveRequest carries the operator's resolution notes.
type ResolveRequest struct {
	Notes string `json:"notes"`
}

// ErrorsHandler handles sync error inspection and resolution endpoints.
type ErrorsHandler struct {
	errorService *services.SyncErrorService
	logger       *zap.Logger
}

// NewErrorsHandler creates a new errors handler.
func NewErrorsHandler(errorService *services.SyncErrorService, logger *zap.Logger) *ErrorsHandler {
	return &ErrorsHandler{errorService: errorService, logger: logger}
}

// RegisterRoutes registers the errors handler's routes on the given mux.
func (h *ErrorsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/configs/{id}/errors", h.ListUnresolved)
	mux.HandleFunc("POST /api/errors/{id}/resolve", h.Resolve)
}

// ListUnresolved handles GET /api/configs/{id}/errors.
func (h *ErrorsHandler) ListUnresolved(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	syncErrors, err := h.errorService.ListUnresolved(r.Context(), id)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"errors": syncErrors}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Resolve handles POST /api/errors/{id}/resolve.
func (h *ErrorsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	var req ResolveRequest
	if err := DecodeJSON(r, &req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.errorService.Resolve(r.Context(), id, req.Notes); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "resolved"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
