package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alpredoben/flash-sale-sub001/internal/auth"
	"github.com/alpredoben/flash-sale-sub001/internal/service"
	"github.com/alpredoben/flash-sale-sub001/internal/sweeper"
	"github.com/alpredoben/flash-sale-sub001/pkg/health"
	"github.com/alpredoben/flash-sale-sub001/pkg/middleware"
)

// RouterConfig carries the dependencies and limits for route registration.
type RouterConfig struct {
	Coordinator       *service.Coordinator
	Sweeper           *sweeper.Sweeper
	Auth              *auth.Service
	RateCounter       Counter
	Health            *health.Handler
	RequestTimeout    time.Duration
	CreatePerMinute   int
	CheckoutPerMinute int
	GeneralMax        int
	GeneralWindow     time.Duration
	LowStockThreshold int
}

// NewRouter creates a chi router with all flash-sale routes registered.
func NewRouter(cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware. Recovery outermost so a panic anywhere below still
	// produces a 500 instead of a dropped connection.
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics("flashsale"))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	}

	// Health and metrics endpoints, unauthenticated.
	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	reservationHandler := NewReservationHandler(cfg.Coordinator, logger)
	monitoringHandler := NewMonitoringHandler(cfg.Coordinator, cfg.Sweeper, cfg.LowStockThreshold, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(IPRateLimit(cfg.GeneralMax, cfg.GeneralWindow, logger))
		r.Use(middleware.Auth(cfg.Auth.Validate))

		r.Route("/reservations", func(r chi.Router) {
			r.With(UserRateLimit(cfg.RateCounter, "create", cfg.CreatePerMinute, time.Minute, logger)).
				Post("/", reservationHandler.Create)
			r.With(UserRateLimit(cfg.RateCounter, "checkout", cfg.CheckoutPerMinute, time.Minute, logger)).
				Post("/{id}/checkout", reservationHandler.Checkout)

			r.Post("/{id}/cancel", reservationHandler.Cancel)
			r.Get("/me", reservationHandler.ListMine)
			r.Get("/{id}", reservationHandler.Get)
		})

		r.Route("/monitoring", func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleAdmin))

			r.Get("/stock/consistency", monitoringHandler.StockConsistency)
			r.Post("/stock/fix-consistency", monitoringHandler.FixStockConsistency)
			r.Get("/stock/low", monitoringHandler.ListLowStock)
			r.Get("/scheduler", monitoringHandler.SchedulerStatus)
			r.Post("/scheduler/trigger", monitoringHandler.TriggerScheduler)
		})
	})

	return r
}
