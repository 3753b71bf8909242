package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/services"
)

// CandidatesHandler handles candidate entity endpoints.
type CandidatesHandler struct {
	candidateService *services.CandidateService
	logger           *zap.Logger
}

// NewCandidatesHandler creates a new candidates handler.
func NewCandidatesHandler(candidateService *services.CandidateService, logger *zap.Logger) *CandidatesHandler {
	return &CandidatesHandler{candidateService: candidateService, logger: logger}
}

// RegisterRoutes registers the candidates handler's routes on the given mux.
func (h *CandidatesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/candidates", h.Create)
	mux.HandleFunc("GET /api/candidates", h.List)
	mux.HandleFunc("GET /api/candidates/{id}", h.Get)
	mux.HandleFunc("PUT /api/candidates/{id}", h.Update)
	mux.HandleFunc("DELETE /api/candidates/{id}", h.Delete)
}

// Create handles POST /api/candidates.
func (h *CandidatesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var cand models.CandidateEntity
	if err := DecodeJSON(r, &cand); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.candidateService.Create(r.Context(), &cand); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, &cand); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// List handles GET /api/candidates.
func (h *CandidatesHandler) List(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.candidateService.List(r.Context())
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]interface{}{"candidates": candidates}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/candidates/{id}.
func (h *CandidatesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	cand, err := h.candidateService.Get(r.Context(), id)
	if err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, cand); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Update handles PUT /api/candidates/{id}.
func (h *CandidatesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	var cand models.CandidateEntity
	if err := DecodeJSON(r, &cand); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_body", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	cand.ID = id

	if err := h.candidateService.Update(r.Context(), &cand); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, &cand); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Delete handles DELETE /api/candidates/{id}.
// Responds 409 when a canonical entity links to the candidate.
func (h *CandidatesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger, "id")
	if !ok {
		return
	}

	if err := h.candidateService.Delete(r.Context(), id); err != nil {
		ServiceErrorResponse(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
