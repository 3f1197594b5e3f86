package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
	"github.com/alpredoben/flash-sale-sub001/pkg/logger"
	"github.com/alpredoben/flash-sale-sub001/pkg/validator"
)

// Meta carries response metadata: timestamp on every response, path and
// statusCode on errors, pagination fields on list responses.
type Meta struct {
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path,omitempty"`
	Page       int    `json:"page,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Total      int    `json:"total,omitempty"`
	TotalPages int    `json:"totalPages,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// Response is the standard JSON response envelope.
type Response struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    any               `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	Meta    Meta              `json:"meta"`
}

func newMeta() Meta {
	return Meta{Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// WriteJSON writes a JSON response with the given status code.
// If encoding fails, the error is logged but headers are already sent so nothing can be done.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a success envelope with the given payload.
func WriteSuccess(w http.ResponseWriter, status int, message string, data any) {
	WriteJSON(w, status, Response{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    newMeta(),
	})
}

// WritePaginated writes a success envelope with pagination metadata.
func WritePaginated(w http.ResponseWriter, message string, data any, page, limit, total int) {
	totalPages := 0
	if limit > 0 {
		totalPages = total / limit
		if total%limit > 0 {
			totalPages++
		}
	}
	meta := newMeta()
	meta.Page = page
	meta.Limit = limit
	meta.Total = total
	meta.TotalPages = totalPages
	WriteJSON(w, http.StatusOK, Response{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    meta,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string, fields map[string]string) {
	meta := newMeta()
	meta.Path = r.URL.Path
	meta.StatusCode = status
	WriteJSON(w, status, Response{
		Success: false,
		Message: message,
		Errors:  fields,
		Meta:    meta,
	})
}

// WriteError writes a standardized error response based on the error type.
// It handles AppError, standard sentinel errors, and logs internal server
// errors. It prefers the request-scoped logger from context (set by the
// RequestLogger middleware) over the fallback logger.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() {
		l = fallback
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
		}
		writeError(w, r, appErr.Status, appErr.Message, nil)
		return
	}

	status := apperrors.HTTPStatus(err)
	message := "an internal error occurred"

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		message = "resource not found"
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrAlreadyExists):
		message = "resource already exists"
		status = http.StatusConflict
	case errors.Is(err, apperrors.ErrInvalidInput):
		message = err.Error()
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrInsufficientStock):
		message = err.Error()
		status = http.StatusConflict
	case errors.Is(err, apperrors.ErrRateLimited):
		message = "too many requests"
		status = http.StatusTooManyRequests
	}

	if status == http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "internal error",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}

	writeError(w, r, status, message, nil)
}

// WriteValidationError writes a standardized validation error response with
// field-level errors in the envelope's errors map.
func WriteValidationError(w http.ResponseWriter, r *http.Request, err error) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		writeError(w, r, http.StatusUnprocessableEntity, "request validation failed", valErr.Fields())
		return
	}

	writeError(w, r, http.StatusBadRequest, err.Error(), nil)
}

// ParseUUID validates that the given string is a valid UUID and returns it.
// If invalid, it writes a 400 Bad Request response and returns uuid.Nil plus
// false, signaling the caller to return early.
func ParseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(param)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid UUID: "+param, nil)
		return uuid.Nil, false
	}
	return id, true
}
