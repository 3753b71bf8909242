package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/services"
)

// LinkRequest identifies the sides to unify: a candidate, a mirrored record,
// or both.
type LinkRequest struct {
	CandidateID *uuid.UUID `json:"candidate_id,omitempty"`
	ConfigID    *uuid.UUID `json:"config_id,omitempty"`
	NaturalKey  string     `json:"natural_key,omitempty"`
}

// GroupKeyOverrideRequest sets or clears an entity's explicit group key.
type GroupKeyOverrideRequest struct {
	GroupKey *string `json:"group_key"`
}

// EntitiesHandler handles canonical entity endpoints.
type EntitiesHandler struct {
	unification *services.UnificationService
	logger      *zap.Logger
}

// NewEntitiesHandler creates a new entities handler.
func NewEntitiesHandler(unification *services.UnificationService, logger *zap.Logger) *EntitiesHandler {
	return &EntitiesHandler{unification: unification, logger: logger}
}

// RegisterRoutes registers the entities handler's routes on the given mux.
func (h *EntitiesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/entities", h.List)
	mux.HandleFunc("GET /api/entities/{id}", h.Get)
	mux.HandleFunc("POST /api/entities/link", h.Link)
	mux.HandleFunc("POST /api/entities/create-missing", h.CreateMissing)
	mux.HandleFunc("POST /api/entities/{id}/archive", h.Archive)
	mux.HandleFunc("PUT /api/entities/{id}/group-key", h.SetGroupKeyOverride)
}

// List handles GET /api/entities. ?include_archived=true includes archived
// entities.
func (h *EntitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	entities, err := h.unification.ListEntities(r.Context(), includeArchived)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"entities": entities}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/entities/{id}.
func (h *EntitiesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	entity, err := h.unification.GetEntity(r.Context(), id)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, entity); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Link handles POST /api/entities/link.
// Resolves or creates the canonical entity for the given sides. Responds 409
// with both entity IDs when the sides already belong to different entities.
func (h *EntitiesHandler) Link(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := DecodeJSON(r, &req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var mirrored *services.MirroredRef
	if req.ConfigID != nil || req.NaturalKey != "" {
		if req.ConfigID == nil || req.NaturalKey == "" {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body",
				"config_id and natural_key must be provided together"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		mirrored = &services.MirroredRef{ConfigID: *req.ConfigID, NaturalKey: req.NaturalKey}
	}

	entity, err := h.unification.Link(r.Context(), req.CandidateID, mirrored)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, entity); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// CreateMissing handles POST /api/entities/create-missing.
// Creates a canonical entity for every unlinked mirrored record and
// candidate. Idempotent.
func (h *EntitiesHandler) CreateMissing(w http.ResponseWriter, r *http.Request) {
	result, err := h.unification.CreateMissing(r.Context())
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Archive handles POST /api/entities/{id}/archive.
func (h *EntitiesHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	if err := h.unification.Archive(r.Context(), id); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "archived"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// SetGroupKeyOverride handles PUT /api/entities/{id}/group-key.
// A null group_key clears the override. Takes effect on the next rebuild.
func (h *EntitiesHandler) SetGroupKeyOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	var req GroupKeyOverrideRequest
	if err := DecodeJSON(r, &req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.unification.SetGroupKeyOverride(r.Context(), id, req.GroupKey); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
