package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/services"
)

// ConfigsHandler handles source table configuration endpoints.
type ConfigsHandler struct {
	configService *services.ConfigService
	logger        *zap.Logger
}

// NewConfigsHandler creates a new configs handler.
func NewConfigsHandler(configService *services.ConfigService, logger *zap.Logger) *ConfigsHandler {
	return &ConfigsHandler{configService: configService, logger: logger}
}

// RegisterRoutes registers the configs handler's routes on the given mux.
func (h *ConfigsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/configs", h.Create)
	mux.HandleFunc("GET /api/configs", h.List)
	mux.HandleFunc("GET /api/configs/{id}", h.Get)
	mux.HandleFunc("PUT /api/configs/{id}", h.Update)
	mux.HandleFunc("GET /api/configs/{id}/records", h.ListRecords)
	mux.HandleFunc("GET /api/configs/{id}/deletions", h.ListDeletionAudit)
}

// Create handles POST /api/configs.
func (h *ConfigsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var cfg models.SourceTableConfig
	if err := DecodeJSON(r, &cfg); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.configService.Create(r.Context(), &cfg); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, &cfg); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// List handles GET /api/configs. ?active=true filters to active configs.
func (h *ConfigsHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	configs, err := h.configService.List(r.Context(), activeOnly)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"configs": configs}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/configs/{id}.
func (h *ConfigsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	cfg, err := h.configService.Get(r.Context(), id)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, cfg); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Update handles PUT /api/configs/{id}.
func (h *ConfigsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	var cfg models.SourceTableConfig
	if err := DecodeJSON(r, &cfg); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	cfg.ID = id

	if err := h.configService.Update(r.Context(), &cfg); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, &cfg); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListRecords handles GET /api/configs/{id}/records.
// ?include_deleted=true includes soft-deleted rows.
func (h *ConfigsHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"

	records, err := h.configService.ListRecords(r.Context(), id, includeDeleted)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"records": records}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListDeletionAudit handles GET /api/configs/{id}/deletions.
func (h *ConfigsHandler) ListDeletionAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.configService.ListDeletionAudit(r.Context(), id, limit)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"deletions": entries}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// pathUUID parses a UUID path value, writing a 400 response when invalid.
func pathUUID(w http.ResponseWriter, r *http.Request, logger *zap.Logger, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_id", "Invalid "+name+" format"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}
