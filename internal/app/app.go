package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/alpredoben/flash-sale-sub001/internal/auth"
	"github.com/alpredoben/flash-sale-sub001/internal/cache"
	"github.com/alpredoben/flash-sale-sub001/internal/config"
	"github.com/alpredoben/flash-sale-sub001/internal/event"
	handler "github.com/alpredoben/flash-sale-sub001/internal/handler/http"
	"github.com/alpredoben/flash-sale-sub001/internal/ledger"
	"github.com/alpredoben/flash-sale-sub001/internal/mailer"
	"github.com/alpredoben/flash-sale-sub001/internal/mailer/httpmail"
	"github.com/alpredoben/flash-sale-sub001/internal/mailer/mock"
	"github.com/alpredoben/flash-sale-sub001/internal/repository/postgres"
	"github.com/alpredoben/flash-sale-sub001/internal/service"
	"github.com/alpredoben/flash-sale-sub001/internal/sweeper"
	"github.com/alpredoben/flash-sale-sub001/migrations"
	"github.com/alpredoben/flash-sale-sub001/pkg/bus"
	"github.com/alpredoben/flash-sale-sub001/pkg/database"
	"github.com/alpredoben/flash-sale-sub001/pkg/health"
	"github.com/alpredoben/flash-sale-sub001/pkg/tracing"
)

// App wires together all dependencies and runs the flash-sale service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redisClient    *redis.Client
	producer       *bus.Producer
	consumers      *event.ConsumerSet
	sweeper        *sweeper.Sweeper
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "flashsale",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pool, err := database.NewPostgresPoolWithLogger(ctx, cfg.PostgresConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, "flashsale")

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Initialize Redis.
	redisUp := true
	redisClient, err := database.NewRedisClient(ctx, cfg.RedisConfig())
	if err != nil {
		// Degraded, not fatal: the cache adapter tolerates Redis being away
		// and every caller has a fallback path.
		logger.Warn("redis unavailable at startup, continuing in degraded mode",
			slog.String("error", err.Error()),
		)
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisConfig().Addr()})
		redisUp = false
	}
	cacheAdapter := cache.New(redisClient, "flashsale")

	// Initialize message bus producer with connection validation and retry.
	producer := bus.NewProducer(bus.DefaultProducerConfig(cfg.BusBrokers), logger)
	if err := pingBusWithRetry(ctx, producer, logger); err != nil {
		logger.Warn("bus producer ping failed after retries, continuing in degraded mode",
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("bus producer initialized", slog.Any("brokers", cfg.BusBrokers))
	}

	// Build the dependency graph.
	itemRepo := postgres.NewItemRepository(pool)
	reservationRepo := postgres.NewReservationRepository(pool)
	stockLedger := ledger.New(pool, itemRepo, logger)

	authService := auth.NewService(cfg.JWTSecret, cacheAdapter, cfg.CacheUserTTL(), logger)
	publisher := event.NewPublisher(producer, logger)

	coordinator := service.NewCoordinator(
		pool, stockLedger, itemRepo, reservationRepo,
		publisher, authService, cfg.HoldDuration(), logger,
	)

	expirySweeper := sweeper.New(pool, stockLedger, reservationRepo, publisher, authService, sweeper.Config{
		Interval:          cfg.SweeperInterval(),
		BatchLimit:        cfg.SweeperBatchLimit,
		HealthyThreshold:  cfg.HealthHealthyThreshold,
		DegradedThreshold: cfg.HealthDegradedThreshold,
	}, logger)

	// Mail delivery: HTTP provider when configured, recording mock otherwise.
	var sender mailer.Sender
	if cfg.MailProviderURL != "" {
		sender = httpmail.New(cfg.MailProviderURL, cfg.MailAPIKey, logger)
	} else {
		sender = mock.New(logger)
	}
	logger.Info("mail sender initialized", slog.String("provider", sender.Name()))

	consumerHandler := event.NewHandler(sender, authService, cfg.MailFromAddress, logger)

	// Dedup keys live in Redis so redelivery after a consumer-group rebalance
	// is still recognized across instances; without Redis the consumer set
	// falls back to its in-memory store.
	var dedupStore bus.IdempotencyStore
	if redisUp {
		dedupStore = bus.NewRedisIdempotencyStore(redisClient, "flashsale:dedup", 24*time.Hour)
	} else {
		logger.Warn("redis down, consumer dedup is per-instance only")
	}

	consumers := event.NewConsumerSet(event.ConsumerSetConfig{
		Brokers:             cfg.BusBrokers,
		PrefetchReservation: cfg.BusPrefetchReservation,
		PrefetchEmail:       cfg.BusPrefetchEmail,
		ReconnectInterval:   cfg.BusReconnectInterval(),
		Store:               dedupStore,
	}, consumerHandler, logger)

	// Health checks. Postgres is the source of truth; Redis and the bus only
	// degrade the service.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
		return cacheAdapter.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("bus", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("sweeper", func(ctx context.Context) error {
		if h := expirySweeper.GetHealth(); h.Status == sweeper.HealthUnhealthy {
			return fmt.Errorf("sweeper unhealthy: success rate %.2f", h.SuccessRate)
		}
		return nil
	})

	// HTTP router.
	router := handler.NewRouter(handler.RouterConfig{
		Coordinator:       coordinator,
		Sweeper:           expirySweeper,
		Auth:              authService,
		RateCounter:       cacheAdapter,
		Health:            healthHandler,
		RequestTimeout:    cfg.RequestTimeout(),
		CreatePerMinute:   cfg.RateLimitCreatePerMin,
		CheckoutPerMinute: cfg.RateLimitCheckoutPerMin,
		GeneralMax:        cfg.RateLimitGeneralMax,
		GeneralWindow:     time.Duration(cfg.RateLimitGeneralWinSecs) * time.Second,
		LowStockThreshold: cfg.LowStockThreshold,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redisClient:    redisClient,
		producer:       producer,
		consumers:      consumers,
		sweeper:        expirySweeper,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server, bus consumers, and the expiry sweeper, then
// blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go a.consumers.Start(ctx)
	go a.sweeper.Start(ctx)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush pending spans from drained requests)
// 3. Bus consumers
// 4. Bus producer
// 5. Redis client and PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	a.consumers.Close()

	if err := a.producer.Close(); err != nil {
		a.logger.Error("bus producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if err := a.redisClient.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// pingBusWithRetry attempts to ping the bus producer with exponential backoff
// (3 attempts, 1s/2s/4s with ±25% jitter).
func pingBusWithRetry(ctx context.Context, producer *bus.Producer, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := producer.Ping(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < 2 {
			base := time.Duration(1<<uint(attempt)) * time.Second
			jitter := time.Duration(float64(base) * 0.25 * (2*rand.Float64() - 1)) // #nosec G404 -- non-cryptographic jitter for retry backoff
			wait := base + jitter
			logger.Warn("bus producer ping failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", 3),
				slog.Duration("backoff", wait),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("bus ping: context canceled during retry: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("bus producer ping failed after 3 attempts: %w", lastErr)
}
