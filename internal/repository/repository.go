package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alpredoben/flash-sale-sub001/internal/domain"
)

// Querier is the query surface shared by the connection pool and open
// transactions. Repository methods that must run inside a caller-owned
// transaction take a Querier so the same code path serves both.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ItemRepository defines the persistence operations for flash-sale items.
type ItemRepository interface {
	// GetByID retrieves an item by its unique identifier.
	GetByID(ctx context.Context, id string) (*domain.Item, error)

	// GetForUpdate retrieves an item with a row-level exclusive lock. Must be
	// called inside a transaction; the lock is held until commit or rollback.
	GetForUpdate(ctx context.Context, q Querier, id string) (*domain.Item, error)

	// UpdateLedger writes the item's stock, reserved_stock, available_stock,
	// and status back, bumping version. The item's Version field is updated
	// in place on success.
	UpdateLedger(ctx context.Context, q Querier, item *domain.Item) error

	// RecordMovement appends a stock movement audit row.
	RecordMovement(ctx context.Context, q Querier, m *domain.StockMovement) error

	// ListInconsistent returns every item whose stored available_stock does
	// not equal stock - reserved_stock.
	ListInconsistent(ctx context.Context) ([]domain.ConsistencyViolation, error)

	// FixInconsistent sets available_stock = stock - reserved_stock for all
	// violating items and returns the number of rows repaired.
	FixInconsistent(ctx context.Context) (int64, error)

	// ListLowStock returns active items whose available stock is at or below
	// the threshold, paginated.
	ListLowStock(ctx context.Context, threshold, page, limit int) ([]domain.Item, int, error)
}

// ReservationRepository defines the persistence operations for reservations.
type ReservationRepository interface {
	// Create inserts a new reservation.
	Create(ctx context.Context, q Querier, res *domain.Reservation) error

	// GetByID retrieves a reservation by its unique identifier.
	GetByID(ctx context.Context, id string) (*domain.Reservation, error)

	// GetForUpdate retrieves a reservation with a row-level exclusive lock.
	GetForUpdate(ctx context.Context, q Querier, id string) (*domain.Reservation, error)

	// ListByUser returns a user's reservations, newest first, optionally
	// filtered by status, paginated.
	ListByUser(ctx context.Context, userID, status string, page, limit int) ([]domain.Reservation, int, error)

	// FindExpired returns up to limit PENDING reservations whose hold window
	// has elapsed, oldest expiry first.
	FindExpired(ctx context.Context, limit int) ([]domain.Reservation, error)

	// TransitionStatus moves a reservation out of PENDING with a conditional
	// update. Returns false if the reservation was not PENDING (another
	// transaction won the race); the caller decides whether that is an error.
	TransitionStatus(ctx context.Context, q Querier, id, to string, reason *string) (bool, error)

	// CountCommittedQuantity sums the quantity of a user's PENDING and
	// CONFIRMED reservations for an item, for per-user cap enforcement.
	CountCommittedQuantity(ctx context.Context, q Querier, userID, itemID string) (int, error)
}
