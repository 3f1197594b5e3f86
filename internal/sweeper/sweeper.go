package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpredoben/flash-sale-sub001/internal/auth"
	"github.com/alpredoben/flash-sale-sub001/internal/cache"
	"github.com/alpredoben/flash-sale-sub001/internal/domain"
	"github.com/alpredoben/flash-sale-sub001/internal/event"
	"github.com/alpredoben/flash-sale-sub001/internal/ledger"
	"github.com/alpredoben/flash-sale-sub001/internal/repository"
	"github.com/alpredoben/flash-sale-sub001/pkg/database"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
)

// errorRingSize bounds the retained sweep error history.
const errorRingSize = 100

// Publisher is the slice of the event publisher the sweeper needs.
type Publisher interface {
	ReservationExpired(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt event.Recipient) error
}

// PrincipalSource resolves cached user profiles for event enrichment.
type PrincipalSource interface {
	GetPrincipal(ctx context.Context, userID string) (*auth.Principal, error)
}

// Config holds sweeper tuning knobs.
type Config struct {
	Interval   time.Duration
	BatchLimit int

	// Success-rate thresholds for health reporting.
	HealthyThreshold  float64
	DegradedThreshold float64
}

// Sweeper periodically expires PENDING reservations whose hold window has
// elapsed, releasing their stock. Each candidate is processed in its own
// transaction: one poisoned row cannot wedge the whole batch. An in-process
// mutex guarantees a single concurrent sweep; an overlapping tick is skipped,
// not queued.
type Sweeper struct {
	pool         database.DBTX
	ledger       *ledger.Ledger
	reservations repository.ReservationRepository
	publisher    Publisher
	principals   PrincipalSource
	cfg          Config
	logger       *slog.Logger

	running sync.Mutex

	mu    sync.Mutex
	stats Stats

	now func() time.Time
}

// SweepError is one retained failure from a sweep pass.
type SweepError struct {
	ReservationID string    `json:"reservation_id"`
	Error         string    `json:"error"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Stats aggregates sweeper activity since startup.
type Stats struct {
	TotalRuns      int64         `json:"total_runs"`
	SuccessRuns    int64         `json:"success_runs"`
	FailedRuns     int64         `json:"failed_runs"`
	TotalProcessed int64         `json:"total_processed"`
	TotalSkipped   int64         `json:"total_skipped"`
	LastRunAt      time.Time     `json:"last_run_at"`
	LastDuration   time.Duration `json:"last_duration"`
	LastProcessed  int           `json:"last_processed"`
	RecentErrors   []SweepError  `json:"recent_errors"`
}

// Result summarizes a single sweep pass. Skipped counts candidates that left
// PENDING between the batch query and their conditional update; nothing was
// expired or released for those.
type Result struct {
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Health status values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Health is the sweeper's self-assessment for the monitoring endpoint.
type Health struct {
	Status      string  `json:"status"`
	SuccessRate float64 `json:"success_rate"`
	TotalRuns   int64   `json:"total_runs"`
}

// New creates a sweeper.
func New(
	pool database.DBTX,
	l *ledger.Ledger,
	reservations repository.ReservationRepository,
	publisher Publisher,
	principals PrincipalSource,
	cfg Config,
	logger *slog.Logger,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = 0.95
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 0.80
	}

	return &Sweeper{
		pool:         pool,
		ledger:       l,
		reservations: reservations,
		publisher:    publisher,
		principals:   principals,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// Start runs the sweep loop until the context is cancelled. One pass runs
// immediately so a restart does not leave expired holds sitting for a full
// interval.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("expiry sweeper started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("batch_limit", s.cfg.BatchLimit),
	)

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduled pass, skipping if a sweep is already in flight.
func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			s.logger.Warn("sweep still running, tick skipped")
			return
		}
		s.logger.Error("sweep failed",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce executes a single sweep pass. It is also the manual trigger behind
// the monitoring endpoint. Returns a conflict error if a sweep is already
// running.
func (s *Sweeper) RunOnce(ctx context.Context) (*Result, error) {
	if !s.running.TryLock() {
		return nil, apperrors.AlreadyExists("sweep", "state", "running")
	}
	defer s.running.Unlock()

	start := s.now()

	candidates, err := s.reservations.FindExpired(ctx, s.cfg.BatchLimit)
	if err != nil {
		s.recordRun(start, 0, 0, 1, err)
		return nil, fmt.Errorf("find expired reservations: %w", err)
	}

	res := &Result{}
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		expired, err := s.expireOne(ctx, &candidates[i])
		if err != nil {
			res.Failed++
			s.recordError(candidates[i].ID, err)
			s.logger.ErrorContext(ctx, "failed to expire reservation",
				slog.String("reservation_id", candidates[i].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !expired {
			res.Skipped++
			continue
		}
		res.Processed++
	}

	res.Duration = s.now().Sub(start)
	s.recordRun(start, res.Processed, res.Skipped, res.Failed, nil)

	runsTotal.WithLabelValues(runStatus(res.Failed)).Inc()
	expiredTotal.Add(float64(res.Processed))
	runDuration.Observe(res.Duration.Seconds())

	if res.Processed > 0 || res.Skipped > 0 || res.Failed > 0 {
		s.logger.InfoContext(ctx, "sweep completed",
			slog.Int("processed", res.Processed),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
			slog.Duration("duration", res.Duration),
		)
	}

	return res, nil
}

// expireOne transitions a single reservation to EXPIRED and releases its
// stock, in one transaction. The conditional status update is the guard
// against racing a concurrent checkout or cancel: if the reservation already
// left PENDING, expireOne reports false and the candidate is skipped.
func (s *Sweeper) expireOne(ctx context.Context, res *domain.Reservation) (bool, error) {
	var (
		item        *domain.Item
		transitiond bool
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	transitiond, err = s.reservations.TransitionStatus(ctx, tx, res.ID, domain.ReservationStatusExpired, nil)
	if err != nil {
		return false, err
	}
	if !transitiond {
		// Lost the race to a checkout or cancel between FindExpired and here.
		return false, nil
	}

	item, err = s.ledger.ReleaseTx(ctx, tx, res.ItemID, res.Quantity, &res.ID)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	res.Status = domain.ReservationStatusExpired

	if err := s.publisher.ReservationExpired(ctx, res, item, s.recipient(ctx, res.UserID)); err != nil {
		// The expiry is durable; the email is best effort.
		s.logger.WarnContext(ctx, "failed to publish expiry event",
			slog.String("reservation_id", res.ID),
			slog.String("error", err.Error()),
		)
	}

	return true, nil
}

func (s *Sweeper) recipient(ctx context.Context, userID string) event.Recipient {
	if s.principals == nil {
		return event.Recipient{}
	}
	p, err := s.principals.GetPrincipal(ctx, userID)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.WarnContext(ctx, "principal lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return event.Recipient{}
	}
	return event.Recipient{Email: p.Email, Name: p.Name}
}

// recordRun updates the aggregate stats after a pass. A pass counts as failed
// if the batch query failed or any candidate failed.
func (s *Sweeper) recordRun(start time.Time, processed, skipped, failed int, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalRuns++
	if runErr != nil || failed > 0 {
		s.stats.FailedRuns++
	} else {
		s.stats.SuccessRuns++
	}
	s.stats.TotalProcessed += int64(processed)
	s.stats.TotalSkipped += int64(skipped)
	s.stats.LastRunAt = start
	s.stats.LastDuration = s.now().Sub(start)
	s.stats.LastProcessed = processed

	if runErr != nil {
		s.appendErrorLocked("", runErr)
	}
}

func (s *Sweeper) recordError(reservationID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErrorLocked(reservationID, err)
}

func (s *Sweeper) appendErrorLocked(reservationID string, err error) {
	s.stats.RecentErrors = append(s.stats.RecentErrors, SweepError{
		ReservationID: reservationID,
		Error:         err.Error(),
		OccurredAt:    s.now(),
	})
	if n := len(s.stats.RecentErrors); n > errorRingSize {
		s.stats.RecentErrors = s.stats.RecentErrors[n-errorRingSize:]
	}
}

// GetStats returns a copy of the aggregate stats.
func (s *Sweeper) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.RecentErrors = make([]SweepError, len(s.stats.RecentErrors))
	copy(out.RecentErrors, s.stats.RecentErrors)
	return out
}

// GetHealth grades the sweeper on its run success rate. With no history yet
// it reports healthy; a sweeper that has not run is not a failing sweeper.
func (s *Sweeper) GetHealth() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{Status: HealthHealthy, SuccessRate: 1.0, TotalRuns: s.stats.TotalRuns}
	if s.stats.TotalRuns == 0 {
		return h
	}

	h.SuccessRate = float64(s.stats.SuccessRuns) / float64(s.stats.TotalRuns)
	switch {
	case h.SuccessRate >= s.cfg.HealthyThreshold:
		h.Status = HealthHealthy
	case h.SuccessRate >= s.cfg.DegradedThreshold:
		h.Status = HealthDegraded
	default:
		h.Status = HealthUnhealthy
	}
	return h
}

func runStatus(failed int) string {
	if failed > 0 {
		return "failed"
	}
	return "success"
}
