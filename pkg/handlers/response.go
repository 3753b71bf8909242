package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// ServiceErrorResponse maps service-layer errors onto HTTP responses. Unknown
// errors become an opaque 500; their detail goes to the log, not the client.
func ServiceErrorResponse(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		valErr     *apperrors.ValidationError
		linkErr    *apperrors.ConflictError
		statusCode int
		errorCode  string
		message    string
	)

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		statusCode, errorCode, message = http.StatusNotFound, "not_found", "Resource not found"
	case errors.Is(err, apperrors.ErrAlreadyRunning):
		statusCode, errorCode, message = http.StatusConflict, "already_running", err.Error()
	case errors.Is(err, apperrors.ErrArchived):
		statusCode, errorCode, message = http.StatusConflict, "archived", err.Error()
	case errors.Is(err, apperrors.ErrConflict):
		statusCode, errorCode, message = http.StatusConflict, "conflict", "Resource conflicts with existing data"
	case errors.Is(err, apperrors.ErrNothingToLink):
		statusCode, errorCode, message = http.StatusBadRequest, "nothing_to_link", err.Error()
	case errors.As(err, &valErr):
		statusCode, errorCode, message = http.StatusBadRequest, "validation_failed", valErr.Error()
	case errors.As(err, &linkErr):
		statusCode, errorCode, message = http.StatusConflict, "link_conflict", linkErr.Error()
	default:
		logger.Error("request failed", zap.Error(err))
		statusCode, errorCode, message = http.StatusInternalServerError, "internal_error", "Internal server error"
	}

	if err := ErrorResponse(w, statusCode, errorCode, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// DecodeJSON decodes a request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
