package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alpredoben/flash-sale-sub001/internal/auth"
	"github.com/alpredoben/flash-sale-sub001/internal/cache"
	"github.com/alpredoben/flash-sale-sub001/internal/domain"
	"github.com/alpredoben/flash-sale-sub001/internal/event"
	"github.com/alpredoben/flash-sale-sub001/internal/ledger"
	"github.com/alpredoben/flash-sale-sub001/internal/repository"
	"github.com/alpredoben/flash-sale-sub001/pkg/database"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
)

// Publisher is the slice of the event publisher the coordinator needs.
type Publisher interface {
	ReservationCreated(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt event.Recipient) error
	ReservationConfirmed(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt event.Recipient) error
	ReservationCancelled(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt event.Recipient, reason string) error
}

// PrincipalSource resolves cached user profiles for event enrichment.
type PrincipalSource interface {
	GetPrincipal(ctx context.Context, userID string) (*auth.Principal, error)
}

// Coordinator drives the reservation lifecycle. Each operation runs the stock
// mutation and the reservation row change in one transaction, then publishes
// the lifecycle event after commit. A failed publish is logged and retried
// once, never rolled back: the database is the source of truth and consumers
// tolerate gaps better than the ledger tolerates phantom stock.
type Coordinator struct {
	pool         database.DBTX
	ledger       *ledger.Ledger
	items        repository.ItemRepository
	reservations repository.ReservationRepository
	publisher    Publisher
	principals   PrincipalSource
	holdDuration time.Duration
	logger       *slog.Logger

	now func() time.Time
}

// NewCoordinator creates a reservation coordinator.
func NewCoordinator(
	pool database.DBTX,
	l *ledger.Ledger,
	items repository.ItemRepository,
	reservations repository.ReservationRepository,
	publisher Publisher,
	principals PrincipalSource,
	holdDuration time.Duration,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		pool:         pool,
		ledger:       l,
		items:        items,
		reservations: reservations,
		publisher:    publisher,
		principals:   principals,
		holdDuration: holdDuration,
		logger:       logger,
		now:          time.Now,
	}
}

// CreateInput are the parameters for placing a reservation.
type CreateInput struct {
	UserID   string
	ItemID   string
	Quantity int
}

// Create places a hold on stock and records a PENDING reservation. The stock
// credit and the reservation insert commit atomically; on any precondition
// failure nothing changes.
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (*domain.Reservation, error) {
	if in.Quantity < 1 {
		return nil, apperrors.InvalidInput("quantity must be at least 1")
	}

	now := c.now().UTC()

	var (
		res  *domain.Reservation
		item *domain.Item
	)
	err := c.inTx(ctx, func(q repository.Querier) error {
		locked, err := c.items.GetForUpdate(ctx, q, in.ItemID)
		if err != nil {
			return err
		}

		if !locked.SaleWindowOpen(now) {
			return apperrors.ItemUnavailable(in.ItemID, "sale window is closed")
		}

		if locked.MaxPerUser > 0 {
			held, err := c.reservations.CountCommittedQuantity(ctx, q, in.UserID, in.ItemID)
			if err != nil {
				return err
			}
			if held+in.Quantity > locked.MaxPerUser {
				return apperrors.QuotaExceeded(in.ItemID, held, in.Quantity, locked.MaxPerUser)
			}
		}

		resID := uuid.New().String()
		item, err = c.ledger.ReserveTx(ctx, q, in.ItemID, in.Quantity, &resID)
		if err != nil {
			return err
		}

		res = &domain.Reservation{
			ID:              resID,
			ReservationCode: domain.NewReservationCode(now),
			UserID:          in.UserID,
			ItemID:          in.ItemID,
			Quantity:        in.Quantity,
			UnitPrice:       item.Price,
			TotalPrice:      item.Price.Mul(decimal.NewFromInt(int64(in.Quantity))),
			Status:          domain.ReservationStatusPending,
			ExpiresAt:       now.Add(c.holdDuration),
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		return c.reservations.Create(ctx, q, res)
	})
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "reservation created",
		slog.String("reservation_id", res.ID),
		slog.String("reservation_code", res.ReservationCode),
		slog.String("item_id", res.ItemID),
		slog.Int("quantity", res.Quantity),
		slog.Time("expires_at", res.ExpiresAt),
	)

	c.publish(ctx, "reservation.created", func(rcpt event.Recipient) error {
		return c.publisher.ReservationCreated(ctx, res, item, rcpt)
	}, res)

	return res, nil
}

// Checkout converts a PENDING reservation into a confirmed sale. Only the
// owner may check out. A hold whose window has elapsed is rejected even if
// the sweeper has not run yet; the sweeper releases the stock.
func (c *Coordinator) Checkout(ctx context.Context, reservationID, userID string) (*domain.Reservation, error) {
	now := c.now().UTC()

	var (
		res  *domain.Reservation
		item *domain.Item
	)
	err := c.inTx(ctx, func(q repository.Querier) error {
		var err error
		res, err = c.reservations.GetForUpdate(ctx, q, reservationID)
		if err != nil {
			return err
		}

		if res.UserID != userID {
			return apperrors.NotOwner(reservationID)
		}
		if res.IsTerminal() {
			return apperrors.AlreadyTerminal(reservationID, res.Status)
		}
		if res.IsExpired(now) {
			return apperrors.ReservationExpired(reservationID)
		}

		item, err = c.ledger.ConfirmTx(ctx, q, res.ItemID, res.Quantity, &res.ID)
		if err != nil {
			return err
		}

		transitioned, err := c.reservations.TransitionStatus(ctx, q, reservationID, domain.ReservationStatusConfirmed, nil)
		if err != nil {
			return err
		}
		if !transitioned {
			return apperrors.AlreadyTerminal(reservationID, res.Status)
		}

		res.Status = domain.ReservationStatusConfirmed
		res.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "reservation confirmed",
		slog.String("reservation_id", res.ID),
		slog.String("reservation_code", res.ReservationCode),
		slog.String("item_id", res.ItemID),
	)

	c.publish(ctx, "reservation.confirmed", func(rcpt event.Recipient) error {
		return c.publisher.ReservationConfirmed(ctx, res, item, rcpt)
	}, res)

	return res, nil
}

// Cancel releases a PENDING reservation's hold. The owner may cancel their
// own reservation; an admin may cancel anyone's.
func (c *Coordinator) Cancel(ctx context.Context, reservationID, userID, role, reason string) (*domain.Reservation, error) {
	now := c.now().UTC()
	if reason == "" {
		reason = "cancelled by user"
	}

	var (
		res  *domain.Reservation
		item *domain.Item
	)
	err := c.inTx(ctx, func(q repository.Querier) error {
		var err error
		res, err = c.reservations.GetForUpdate(ctx, q, reservationID)
		if err != nil {
			return err
		}

		if res.UserID != userID && role != auth.RoleAdmin {
			return apperrors.NotOwner(reservationID)
		}
		if res.IsTerminal() {
			return apperrors.AlreadyTerminal(reservationID, res.Status)
		}

		item, err = c.ledger.ReleaseTx(ctx, q, res.ItemID, res.Quantity, &res.ID)
		if err != nil {
			return err
		}

		transitioned, err := c.reservations.TransitionStatus(ctx, q, reservationID, domain.ReservationStatusCancelled, &reason)
		if err != nil {
			return err
		}
		if !transitioned {
			return apperrors.AlreadyTerminal(reservationID, res.Status)
		}

		res.Status = domain.ReservationStatusCancelled
		res.CancellationReason = &reason
		res.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "reservation cancelled",
		slog.String("reservation_id", res.ID),
		slog.String("reservation_code", res.ReservationCode),
		slog.String("reason", reason),
	)

	c.publish(ctx, "reservation.cancelled", func(rcpt event.Recipient) error {
		return c.publisher.ReservationCancelled(ctx, res, item, rcpt, reason)
	}, res)

	return res, nil
}

// Get returns a reservation visible to the caller: owners see their own,
// admins see any.
func (c *Coordinator) Get(ctx context.Context, reservationID, userID, role string) (*domain.Reservation, error) {
	res, err := c.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.UserID != userID && role != auth.RoleAdmin {
		return nil, apperrors.NotOwner(reservationID)
	}
	return res, nil
}

// ListMine returns the caller's reservations, newest first, optionally
// filtered by status.
func (c *Coordinator) ListMine(ctx context.Context, userID, status string, page, limit int) ([]domain.Reservation, int, error) {
	if status != "" && !domain.IsValidReservationStatus(status) {
		return nil, 0, apperrors.InvalidInput(fmt.Sprintf("invalid status filter %q", status))
	}
	return c.reservations.ListByUser(ctx, userID, status, page, limit)
}

// ListLowStock returns active items at or below the availability threshold.
func (c *Coordinator) ListLowStock(ctx context.Context, threshold, page, limit int) ([]domain.Item, int, error) {
	return c.items.ListLowStock(ctx, threshold, page, limit)
}

// CheckConsistency reports items whose stored available stock is wrong.
func (c *Coordinator) CheckConsistency(ctx context.Context) ([]domain.ConsistencyViolation, error) {
	return c.ledger.CheckConsistency(ctx)
}

// FixConsistency repairs available stock for all violating items.
func (c *Coordinator) FixConsistency(ctx context.Context) (int64, error) {
	return c.ledger.FixConsistency(ctx)
}

// publish resolves the recipient and publishes a lifecycle event with one
// best-effort retry. Failures are logged, never propagated: the transaction
// already committed.
func (c *Coordinator) publish(ctx context.Context, kind string, fn func(rcpt event.Recipient) error, res *domain.Reservation) {
	rcpt := c.recipient(ctx, res.UserID)

	err := fn(rcpt)
	if err == nil {
		return
	}

	c.logger.WarnContext(ctx, "event publish failed, retrying once",
		slog.String("event", kind),
		slog.String("reservation_id", res.ID),
		slog.String("error", err.Error()),
	)

	if err := fn(rcpt); err != nil {
		c.logger.ErrorContext(ctx, "event publish failed after retry",
			slog.String("event", kind),
			slog.String("reservation_id", res.ID),
			slog.String("error", err.Error()),
		)
	}
}

// recipient looks up the cached principal for event enrichment. A miss just
// means the consumer falls back to its own resolution.
func (c *Coordinator) recipient(ctx context.Context, userID string) event.Recipient {
	if c.principals == nil {
		return event.Recipient{}
	}
	p, err := c.principals.GetPrincipal(ctx, userID)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.WarnContext(ctx, "principal lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return event.Recipient{}
	}
	return event.Recipient{Email: p.Email, Name: p.Name}
}

// inTx runs fn inside a transaction, committing on nil and rolling back on error.
func (c *Coordinator) inTx(ctx context.Context, fn func(q repository.Querier) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
