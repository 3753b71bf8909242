package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/services"
)

// RebuildRequest scopes a grouping rebuild. A nil config_id rebuilds all
// groups.
type RebuildRequest struct {
	ConfigID *uuid.UUID `json:"config_id,omitempty"`
	Actor    string     `json:"actor,omitempty"`
}

// RenameRequest sets a group's manual name.
type RenameRequest struct {
	Name string `json:"name"`
}

// ResponsibleRequest assigns a group's buyer/vendor code.
type ResponsibleRequest struct {
	Code string `json:"code"`
}

// GroupsHandler handles group and grouping-run endpoints.
type GroupsHandler struct {
	groupingService *services.GroupingService
	logger          *zap.Logger
}

// NewGroupsHandler creates a new groups handler.
func NewGroupsHandler(groupingService *services.GroupingService, logger *zap.Logger) *GroupsHandler {
	return &GroupsHandler{groupingService: groupingService, logger: logger}
}

// RegisterRoutes registers the groups handler's routes on the given mux.
func (h *GroupsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/groups", h.List)
	mux.HandleFunc("GET /api/groups/{id}", h.Get)
	mux.HandleFunc("PUT /api/groups/{id}/name", h.Rename)
	mux.HandleFunc("PUT /api/groups/{id}/responsible", h.SetResponsible)
	mux.HandleFunc("POST /api/groups/rebuild", h.Rebuild)
	mux.HandleFunc("GET /api/group-runs", h.ListRuns)
	mux.HandleFunc("GET /api/group-runs/{id}", h.GetRun)
	mux.HandleFunc("GET /api/group-runs/{id}/results", h.ListResults)
}

// List handles GET /api/groups.
func (h *GroupsHandler) List(w http.ResponseWriter, r *http.Request) {
	groups, err := h.groupingService.ListGroups(r.Context())
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"groups": groups}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/groups/{id}. Returns the group with its memberships.
func (h *GroupsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	group, members, err := h.groupingService.GetGroup(r.Context(), id)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{
		"group":   group,
		"members": members,
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Rename handles PUT /api/groups/{id}/name. A manual name always wins over
// the suggested one.
func (h *GroupsHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	var req RenameRequest
	if err := DecodeJSON(r, &req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.groupingService.Rename(r.Context(), id, req.Name); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// SetResponsible handles PUT /api/groups/{id}/responsible.
func (h *GroupsHandler) SetResponsible(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	var req ResponsibleRequest
	if err := DecodeJSON(r, &req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.groupingService.SetResponsible(r.Context(), id, req.Code); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Rebuild handles POST /api/groups/rebuild.
// Recomputes group membership and returns the audit run. Responds 409 when a
// rebuild is already in flight.
func (h *GroupsHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req RebuildRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	run, err := h.groupingService.Rebuild(r.Context(), req.ConfigID, req.Actor)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, run); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListRuns handles GET /api/group-runs.
func (h *GroupsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := h.groupingService.ListRuns(r.Context(), limit)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetRun handles GET /api/group-runs/{id}.
func (h *GroupsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	run, err := h.groupingService.GetRun(r.Context(), id)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, run); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListResults handles GET /api/group-runs/{id}/results.
func (h *GroupsHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	results, err := h.groupingService.ListResults(r.Context(), id)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"results": results}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
