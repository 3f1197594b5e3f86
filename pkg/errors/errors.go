package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrInternal          = errors.New("internal error")
	ErrConflict          = errors.New("conflict")
	ErrServiceUnavail    = errors.New("service unavailable")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrRateLimited       = errors.New("rate limited")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
	// RetryAfter, when non-zero, is surfaced as the Retry-After header (seconds).
	RetryAfter int `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// AlreadyExists creates a 409 error.
func AlreadyExists(resource, field, value string) *AppError {
	return &AppError{
		Code:    "ALREADY_EXISTS",
		Message: fmt.Sprintf("%s with %s %q already exists", resource, field, value),
		Status:  http.StatusConflict,
		Err:     ErrAlreadyExists,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// InsufficientStock creates a 409 error for a failed stock precondition.
// available is the quantity the caller could still obtain.
func InsufficientStock(itemID string, requested, available int) *AppError {
	return &AppError{
		Code:    "INSUFFICIENT_STOCK",
		Message: fmt.Sprintf("item %s: requested %d, available %d", itemID, requested, available),
		Status:  http.StatusConflict,
		Err:     ErrInsufficientStock,
	}
}

// NotEnoughReserved creates a 409 error for a confirm exceeding the reserved count.
func NotEnoughReserved(itemID string, requested, reserved int) *AppError {
	return &AppError{
		Code:    "NOT_ENOUGH_RESERVED",
		Message: fmt.Sprintf("item %s: confirm %d exceeds reserved %d", itemID, requested, reserved),
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// NotEnoughStock creates a 409 error for a confirm exceeding total stock.
func NotEnoughStock(itemID string, requested, stock int) *AppError {
	return &AppError{
		Code:    "NOT_ENOUGH_STOCK",
		Message: fmt.Sprintf("item %s: confirm %d exceeds stock %d", itemID, requested, stock),
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// ItemUnavailable creates a 409 error for reservations against an item that is
// not ACTIVE or is outside its sale window.
func ItemUnavailable(itemID, reason string) *AppError {
	return &AppError{
		Code:    "ITEM_UNAVAILABLE",
		Message: fmt.Sprintf("item %s is not available: %s", itemID, reason),
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// QuotaExceeded creates a 409 error for a per-user purchase cap violation.
func QuotaExceeded(itemID string, current, requested, maxPerUser int) *AppError {
	return &AppError{
		Code:    "QUOTA_EXCEEDED",
		Message: fmt.Sprintf("item %s: %d already held, %d more requested, limit %d per user", itemID, current, requested, maxPerUser),
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// AlreadyTerminal creates a 409 error for a second transition attempt on a
// reservation that has left PENDING.
func AlreadyTerminal(reservationID, status string) *AppError {
	return &AppError{
		Code:    "ALREADY_TERMINAL",
		Message: fmt.Sprintf("reservation %s is already %s", reservationID, status),
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// NotOwner creates a 403 error for access to another user's reservation.
func NotOwner(reservationID string) *AppError {
	return &AppError{
		Code:    "NOT_OWNER",
		Message: fmt.Sprintf("reservation %s belongs to another user", reservationID),
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// ReservationExpired creates a 409 error for a checkout after the hold elapsed.
func ReservationExpired(reservationID string) *AppError {
	return &AppError{
		Code:    "RESERVATION_EXPIRED",
		Message: fmt.Sprintf("reservation %s has expired", reservationID),
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// RateLimited creates a 429 error. retryAfterSeconds is surfaced to the client
// in the Retry-After header by the HTTP layer.
func RateLimited(retryAfterSeconds int) *AppError {
	return &AppError{
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("too many requests, retry after %ds", retryAfterSeconds),
		Status:     http.StatusTooManyRequests,
		Err:        ErrRateLimited,
		RetryAfter: retryAfterSeconds,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict), errors.Is(err, ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
