package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alpredoben/flash-sale-sub001/internal/service"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
	"github.com/alpredoben/flash-sale-sub001/pkg/httputil"
	"github.com/alpredoben/flash-sale-sub001/pkg/middleware"
	"github.com/alpredoben/flash-sale-sub001/pkg/validator"
)

// ReservationHandler handles HTTP requests for reservation endpoints.
type ReservationHandler struct {
	coordinator *service.Coordinator
	logger      *slog.Logger
}

// NewReservationHandler creates a new reservation HTTP handler.
func NewReservationHandler(coordinator *service.Coordinator, logger *slog.Logger) *ReservationHandler {
	return &ReservationHandler{
		coordinator: coordinator,
		logger:      logger,
	}
}

// --- Request DTOs ---

// CreateReservationRequest is the JSON request body for placing a reservation.
type CreateReservationRequest struct {
	ItemID   string `json:"itemId" validate:"required,uuid"`
	Quantity int    `json:"quantity" validate:"required,gte=1"`
}

// CancelReservationRequest is the JSON request body for cancelling a reservation.
type CancelReservationRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=255"`
}

// --- Handlers ---

// Create handles POST /api/v1/reservations
func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request) {
	// Limit request body to 1MB to prevent DoS via large payloads.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, r, apperrors.InvalidInput("invalid request body: "+err.Error()), h.logger)
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, r, err)
		return
	}

	res, err := h.coordinator.Create(r.Context(), service.CreateInput{
		UserID:   middleware.UserIDFromContext(r.Context()),
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteSuccess(w, http.StatusCreated, "reservation created", res)
}

// Checkout handles POST /api/v1/reservations/{id}/checkout
func (h *ReservationHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	res, err := h.coordinator.Checkout(r.Context(), id.String(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, "reservation confirmed", res)
}

// Cancel handles POST /api/v1/reservations/{id}/cancel
func (h *ReservationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	// The body is optional; an empty body means no reason given.
	var req CancelReservationRequest
	if r.Body != nil && r.ContentLength > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, r, apperrors.InvalidInput("invalid request body: "+err.Error()), h.logger)
			return
		}
		if err := validator.Validate(req); err != nil {
			httputil.WriteValidationError(w, r, err)
			return
		}
	}

	ctx := r.Context()
	res, err := h.coordinator.Cancel(ctx, id.String(),
		middleware.UserIDFromContext(ctx), middleware.RoleFromContext(ctx), req.Reason)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, "reservation cancelled", res)
}

// Get handles GET /api/v1/reservations/{id}
func (h *ReservationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	ctx := r.Context()
	res, err := h.coordinator.Get(ctx, id.String(),
		middleware.UserIDFromContext(ctx), middleware.RoleFromContext(ctx))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, "reservation retrieved", res)
}

// ListMine handles GET /api/v1/reservations/me
func (h *ReservationHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	page, limit, ok := parsePagination(w, r, h.logger)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")

	items, total, err := h.coordinator.ListMine(r.Context(),
		middleware.UserIDFromContext(r.Context()), status, page, limit)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WritePaginated(w, "reservations retrieved", items, page, limit, total)
}

// parsePagination reads page and limit query params with bounds checking.
func parsePagination(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (int, int, bool) {
	page, limit := 1, 20

	if v := r.URL.Query().Get("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			httputil.WriteError(w, r, apperrors.InvalidInput("page must be a positive integer"), logger)
			return 0, 0, false
		}
		page = p
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 || l > 100 {
			httputil.WriteError(w, r, apperrors.InvalidInput("limit must be an integer between 1 and 100"), logger)
			return 0, 0, false
		}
		limit = l
	}

	return page, limit, true
}
