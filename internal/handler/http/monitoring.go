package http

import (
	"log/slog"
	"net/http"

	"github.com/alpredoben/flash-sale-sub001/internal/service"
	"github.com/alpredoben/flash-sale-sub001/internal/sweeper"
	"github.com/alpredoben/flash-sale-sub001/pkg/httputil"
)

// MonitoringHandler exposes operator endpoints for stock consistency and the
// expiry sweeper. Admin only.
type MonitoringHandler struct {
	coordinator       *service.Coordinator
	sweeper           *sweeper.Sweeper
	lowStockThreshold int
	logger            *slog.Logger
}

// NewMonitoringHandler creates a new monitoring HTTP handler.
func NewMonitoringHandler(coordinator *service.Coordinator, sw *sweeper.Sweeper, lowStockThreshold int, logger *slog.Logger) *MonitoringHandler {
	return &MonitoringHandler{
		coordinator:       coordinator,
		sweeper:           sw,
		lowStockThreshold: lowStockThreshold,
		logger:            logger,
	}
}

// StockConsistency handles GET /api/v1/monitoring/stock/consistency
func (h *MonitoringHandler) StockConsistency(w http.ResponseWriter, r *http.Request) {
	violations, err := h.coordinator.CheckConsistency(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, "stock consistency checked", map[string]any{
		"consistent": len(violations) == 0,
		"violations": violations,
	})
}

// FixStockConsistency handles POST /api/v1/monitoring/stock/fix-consistency
func (h *MonitoringHandler) FixStockConsistency(w http.ResponseWriter, r *http.Request) {
	fixed, err := h.coordinator.FixConsistency(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, "stock consistency repaired", map[string]any{
		"items_fixed": fixed,
	})
}

// SchedulerStatus handles GET /api/v1/monitoring/scheduler
func (h *MonitoringHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, http.StatusOK, "scheduler status retrieved", map[string]any{
		"health": h.sweeper.GetHealth(),
		"stats":  h.sweeper.GetStats(),
	})
}

// TriggerScheduler handles POST /api/v1/monitoring/scheduler/trigger
func (h *MonitoringHandler) TriggerScheduler(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, "sweep completed", result)
}

// ListLowStock handles GET /api/v1/monitoring/stock/low
func (h *MonitoringHandler) ListLowStock(w http.ResponseWriter, r *http.Request) {
	page, limit, ok := parsePagination(w, r, h.logger)
	if !ok {
		return
	}

	items, total, err := h.coordinator.ListLowStock(r.Context(), h.lowStockThreshold, page, limit)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WritePaginated(w, "low stock items retrieved", items, page, limit, total)
}
