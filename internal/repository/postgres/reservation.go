package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alpredoben/flash-sale-sub001/internal/domain"
	"github.com/alpredoben/flash-sale-sub001/internal/repository"
	"github.com/alpredoben/flash-sale-sub001/pkg/database"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
)

const reservationColumns = `id, reservation_code, user_id, item_id, quantity, unit_price, total_price,
		status, expires_at, cancellation_reason, created_at, updated_at`

// ReservationRepository implements repository.ReservationRepository using PostgreSQL.
type ReservationRepository struct {
	pool database.DBTX
}

// NewReservationRepository creates a new PostgreSQL-backed reservation repository.
func NewReservationRepository(pool database.DBTX) *ReservationRepository {
	return &ReservationRepository{pool: pool}
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(
		&res.ID,
		&res.ReservationCode,
		&res.UserID,
		&res.ItemID,
		&res.Quantity,
		&res.UnitPrice,
		&res.TotalPrice,
		&res.Status,
		&res.ExpiresAt,
		&res.CancellationReason,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Create inserts a new reservation.
func (r *ReservationRepository) Create(ctx context.Context, q repository.Querier, res *domain.Reservation) error {
	query := `
		INSERT INTO reservations (id, reservation_code, user_id, item_id, quantity, unit_price, total_price,
			status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := q.Exec(ctx, query,
		res.ID,
		res.ReservationCode,
		res.UserID,
		res.ItemID,
		res.Quantity,
		res.UnitPrice,
		res.TotalPrice,
		res.Status,
		res.ExpiresAt,
		res.CreatedAt,
		res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}

	return nil
}

// GetByID retrieves a reservation by its unique identifier.
func (r *ReservationRepository) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE id = $1`

	res, err := scanReservation(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("reservation", id)
		}
		return nil, fmt.Errorf("get reservation by id: %w", err)
	}

	return res, nil
}

// GetForUpdate retrieves a reservation with a row-level exclusive lock. The
// caller must hold an open transaction.
func (r *ReservationRepository) GetForUpdate(ctx context.Context, q repository.Querier, id string) (*domain.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE id = $1
		FOR UPDATE`

	res, err := scanReservation(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("reservation", id)
		}
		return nil, fmt.Errorf("get reservation for update: %w", err)
	}

	return res, nil
}

// ListByUser returns a user's reservations, newest first, optionally filtered
// by status, paginated.
func (r *ReservationRepository) ListByUser(ctx context.Context, userID, status string, page, limit int) ([]domain.Reservation, int, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	offset := (page - 1) * limit

	query := `
		SELECT ` + reservationColumns + `,
			   count(*) OVER() AS total_count
		FROM reservations
		WHERE user_id = $1`
	args := []any{userID}

	if status != "" {
		args = append(args, status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(`
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reservations by user: %w", err)
	}
	defer rows.Close()

	var (
		reservations []domain.Reservation
		totalCount   int
	)

	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(
			&res.ID,
			&res.ReservationCode,
			&res.UserID,
			&res.ItemID,
			&res.Quantity,
			&res.UnitPrice,
			&res.TotalPrice,
			&res.Status,
			&res.ExpiresAt,
			&res.CancellationReason,
			&res.CreatedAt,
			&res.UpdatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan reservation row: %w", err)
		}
		reservations = append(reservations, res)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate reservation rows: %w", err)
	}

	if reservations == nil {
		reservations = []domain.Reservation{}
	}

	return reservations, totalCount, nil
}

// FindExpired returns up to limit PENDING reservations whose hold window has
// elapsed, oldest expiry first. The bound caps sweeper tick latency.
func (r *ReservationRepository) FindExpired(ctx context.Context, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, domain.ReservationStatusPending, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find expired reservations: %w", err)
	}
	defer rows.Close()

	var reservations []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(
			&res.ID,
			&res.ReservationCode,
			&res.UserID,
			&res.ItemID,
			&res.Quantity,
			&res.UnitPrice,
			&res.TotalPrice,
			&res.Status,
			&res.ExpiresAt,
			&res.CancellationReason,
			&res.CreatedAt,
			&res.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan expired reservation row: %w", err)
		}
		reservations = append(reservations, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired reservation rows: %w", err)
	}

	if reservations == nil {
		reservations = []domain.Reservation{}
	}

	return reservations, nil
}

// TransitionStatus moves a reservation out of PENDING. The WHERE on the
// current status is the compare-and-swap that makes concurrent checkout,
// cancel, and sweeper passes safe: exactly one transaction observes
// transitioned=true for a given reservation.
func (r *ReservationRepository) TransitionStatus(ctx context.Context, q repository.Querier, id, to string, reason *string) (bool, error) {
	if !domain.IsValidReservationStatus(to) || to == domain.ReservationStatusPending {
		return false, apperrors.InvalidInput(fmt.Sprintf("invalid target status %q", to))
	}

	query := `
		UPDATE reservations
		SET status = $1,
			cancellation_reason = COALESCE($2, cancellation_reason),
			updated_at = NOW()
		WHERE id = $3 AND status = $4`

	ct, err := q.Exec(ctx, query, to, reason, id, domain.ReservationStatusPending)
	if err != nil {
		return false, fmt.Errorf("transition reservation status: %w", err)
	}

	return ct.RowsAffected() > 0, nil
}

// CountCommittedQuantity sums the quantity of a user's PENDING and CONFIRMED
// reservations for an item.
func (r *ReservationRepository) CountCommittedQuantity(ctx context.Context, q repository.Querier, userID, itemID string) (int, error) {
	query := `
		SELECT COALESCE(SUM(quantity), 0)
		FROM reservations
		WHERE user_id = $1 AND item_id = $2 AND status IN ($3, $4)`

	var total int
	err := q.QueryRow(ctx, query, userID, itemID,
		domain.ReservationStatusPending, domain.ReservationStatusConfirmed,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count committed quantity: %w", err)
	}

	return total, nil
}
