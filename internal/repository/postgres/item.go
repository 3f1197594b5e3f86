package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alpredoben/flash-sale-sub001/internal/domain"
	"github.com/alpredoben/flash-sale-sub001/internal/repository"
	"github.com/alpredoben/flash-sale-sub001/pkg/database"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
)

const itemColumns = `id, sku, name, price, stock, reserved_stock, available_stock, status,
		sale_start_date, sale_end_date, max_per_user, version, created_at, updated_at, deleted_at`

// ItemRepository implements repository.ItemRepository using PostgreSQL.
type ItemRepository struct {
	pool database.DBTX
}

// NewItemRepository creates a new PostgreSQL-backed item repository.
func NewItemRepository(pool database.DBTX) *ItemRepository {
	return &ItemRepository{pool: pool}
}

func scanItem(row pgx.Row) (*domain.Item, error) {
	var it domain.Item
	err := row.Scan(
		&it.ID,
		&it.SKU,
		&it.Name,
		&it.Price,
		&it.Stock,
		&it.ReservedStock,
		&it.AvailableStock,
		&it.Status,
		&it.SaleStartDate,
		&it.SaleEndDate,
		&it.MaxPerUser,
		&it.Version,
		&it.CreatedAt,
		&it.UpdatedAt,
		&it.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// GetByID retrieves an item by its unique identifier. Soft-deleted items are
// invisible.
func (r *ItemRepository) GetByID(ctx context.Context, id string) (*domain.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM items
		WHERE id = $1 AND deleted_at IS NULL`

	it, err := scanItem(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("item", id)
		}
		return nil, fmt.Errorf("get item by id: %w", err)
	}

	return it, nil
}

// GetForUpdate retrieves an item with a row-level exclusive lock. The caller
// must hold an open transaction; the lock serializes all ledger mutations on
// the item until commit or rollback.
func (r *ItemRepository) GetForUpdate(ctx context.Context, q repository.Querier, id string) (*domain.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM items
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE`

	it, err := scanItem(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("item", id)
		}
		return nil, fmt.Errorf("get item for update: %w", err)
	}

	return it, nil
}

// UpdateLedger writes the ledger fields back and bumps version. The WHERE on
// the current version is a guard against lost updates from code paths that
// forgot to lock; with GetForUpdate it never fires.
func (r *ItemRepository) UpdateLedger(ctx context.Context, q repository.Querier, item *domain.Item) error {
	query := `
		UPDATE items
		SET stock = $1,
			reserved_stock = $2,
			available_stock = $3,
			status = $4,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $5 AND version = $6 AND deleted_at IS NULL`

	ct, err := q.Exec(ctx, query,
		item.Stock,
		item.ReservedStock,
		item.AvailableStock,
		item.Status,
		item.ID,
		item.Version,
	)
	if err != nil {
		return fmt.Errorf("update item ledger: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("item", item.ID)
	}

	item.Version++
	return nil
}

// RecordMovement appends a stock movement audit row.
func (r *ItemRepository) RecordMovement(ctx context.Context, q repository.Querier, m *domain.StockMovement) error {
	query := `
		INSERT INTO stock_movements (item_id, quantity_change, reason, reference_id)
		VALUES ($1, $2, $3, $4)`

	_, err := q.Exec(ctx, query, m.ItemID, m.QuantityChange, m.Reason, m.ReferenceID)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}

	return nil
}

// ListInconsistent returns every item whose stored available_stock does not
// equal stock - reserved_stock.
func (r *ItemRepository) ListInconsistent(ctx context.Context) ([]domain.ConsistencyViolation, error) {
	query := `
		SELECT id, sku, stock, reserved_stock, available_stock
		FROM items
		WHERE available_stock != stock - reserved_stock AND deleted_at IS NULL
		ORDER BY sku ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list inconsistent items: %w", err)
	}
	defer rows.Close()

	var violations []domain.ConsistencyViolation
	for rows.Next() {
		var v domain.ConsistencyViolation
		if err := rows.Scan(&v.ItemID, &v.SKU, &v.Stock, &v.ReservedStock, &v.AvailableStock); err != nil {
			return nil, fmt.Errorf("scan consistency row: %w", err)
		}
		v.Expected = v.Stock - v.ReservedStock
		violations = append(violations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consistency rows: %w", err)
	}

	if violations == nil {
		violations = []domain.ConsistencyViolation{}
	}

	return violations, nil
}

// FixInconsistent repairs available_stock for all violating items. Each
// correction is recorded as a repair movement so the drift and its size stay
// auditable after the fix.
func (r *ItemRepository) FixInconsistent(ctx context.Context) (int64, error) {
	query := `
		WITH drift AS (
			SELECT id, (stock - reserved_stock) - available_stock AS correction
			FROM items
			WHERE available_stock != stock - reserved_stock AND deleted_at IS NULL
			FOR UPDATE
		), fixed AS (
			UPDATE items i
			SET available_stock = i.stock - i.reserved_stock,
				version = i.version + 1,
				updated_at = NOW()
			FROM drift d
			WHERE i.id = d.id
		)
		INSERT INTO stock_movements (item_id, quantity_change, reason)
		SELECT id, correction, $1 FROM drift`

	ct, err := r.pool.Exec(ctx, query, domain.MovementReasonRepair)
	if err != nil {
		return 0, fmt.Errorf("fix inconsistent items: %w", err)
	}

	return ct.RowsAffected(), nil
}

// ListLowStock returns active items whose available stock is at or below the
// threshold, scarcest first.
func (r *ItemRepository) ListLowStock(ctx context.Context, threshold, page, limit int) ([]domain.Item, int, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	offset := (page - 1) * limit

	query := `
		SELECT ` + itemColumns + `,
			   count(*) OVER() AS total_count
		FROM items
		WHERE available_stock <= $1 AND status = $2 AND deleted_at IS NULL
		ORDER BY available_stock ASC, updated_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.pool.Query(ctx, query, threshold, domain.ItemStatusActive, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list low stock items: %w", err)
	}
	defer rows.Close()

	var (
		items      []domain.Item
		totalCount int
	)

	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(
			&it.ID,
			&it.SKU,
			&it.Name,
			&it.Price,
			&it.Stock,
			&it.ReservedStock,
			&it.AvailableStock,
			&it.Status,
			&it.SaleStartDate,
			&it.SaleEndDate,
			&it.MaxPerUser,
			&it.Version,
			&it.CreatedAt,
			&it.UpdatedAt,
			&it.DeletedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan low stock row: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate low stock rows: %w", err)
	}

	if items == nil {
		items = []domain.Item{}
	}

	return items, totalCount, nil
}
