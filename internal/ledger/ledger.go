package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alpredoben/flash-sale-sub001/internal/domain"
	"github.com/alpredoben/flash-sale-sub001/internal/repository"
	"github.com/alpredoben/flash-sale-sub001/pkg/database"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
)

// Ledger is the sole mutator of (stock, reserved_stock, available_stock,
// version) on an item. Every mutation runs inside a database transaction
// holding a row-level exclusive lock on the item; the lock queue is the only
// serialization primitive for stock correctness. Isolation is READ COMMITTED.
//
// The ledger does not retry internally. Callers decide.
type Ledger struct {
	pool   database.DBTX
	items  repository.ItemRepository
	logger *slog.Logger
}

// New creates a new stock ledger.
func New(pool database.DBTX, items repository.ItemRepository, logger *slog.Logger) *Ledger {
	return &Ledger{
		pool:   pool,
		items:  items,
		logger: logger,
	}
}

// LineItem is one (item, quantity) pair for a bulk reserve.
type LineItem struct {
	ItemID   string
	Quantity int
}

// Reserve moves qty units from available to reserved in its own transaction.
func (l *Ledger) Reserve(ctx context.Context, itemID string, qty int, refID *string) (*domain.Item, error) {
	var item *domain.Item
	err := l.inTx(ctx, func(q repository.Querier) error {
		var err error
		item, err = l.ReserveTx(ctx, q, itemID, qty, refID)
		return err
	})
	return item, err
}

// ReserveTx is Reserve inside a caller-owned transaction. The coordinator uses
// it so the stock credit and the reservation insert commit atomically.
func (l *Ledger) ReserveTx(ctx context.Context, q repository.Querier, itemID string, qty int, refID *string) (*domain.Item, error) {
	if qty < 1 {
		return nil, apperrors.InvalidInput("quantity must be at least 1")
	}

	item, err := l.items.GetForUpdate(ctx, q, itemID)
	if err != nil {
		return nil, err
	}

	if item.Status != domain.ItemStatusActive {
		return nil, apperrors.ItemUnavailable(itemID, "status is "+item.Status)
	}

	if item.AvailableStock < qty {
		return nil, apperrors.InsufficientStock(itemID, qty, item.AvailableStock)
	}

	item.ReservedStock += qty
	item.AvailableStock = item.Stock - item.ReservedStock

	if err := l.applyLedger(ctx, q, item, qty, domain.MovementReasonReserve, refID); err != nil {
		return nil, err
	}

	reserveTotal.Inc()
	return item, nil
}

// Release returns qty units from reserved to available in its own transaction.
func (l *Ledger) Release(ctx context.Context, itemID string, qty int, refID *string) (*domain.Item, error) {
	var item *domain.Item
	err := l.inTx(ctx, func(q repository.Querier) error {
		var err error
		item, err = l.ReleaseTx(ctx, q, itemID, qty, refID)
		return err
	})
	return item, err
}

// ReleaseTx is Release inside a caller-owned transaction. A qty larger than
// the current reserved count clamps to it, so a double release can never
// drive reserved_stock negative.
func (l *Ledger) ReleaseTx(ctx context.Context, q repository.Querier, itemID string, qty int, refID *string) (*domain.Item, error) {
	if qty < 1 {
		return nil, apperrors.InvalidInput("quantity must be at least 1")
	}

	item, err := l.items.GetForUpdate(ctx, q, itemID)
	if err != nil {
		return nil, err
	}

	if qty > item.ReservedStock {
		l.logger.WarnContext(ctx, "release clamped to reserved stock",
			slog.String("item_id", itemID),
			slog.Int("requested", qty),
			slog.Int("reserved", item.ReservedStock),
		)
		qty = item.ReservedStock
	}

	item.ReservedStock -= qty
	item.AvailableStock = item.Stock - item.ReservedStock

	if err := l.applyLedger(ctx, q, item, -qty, domain.MovementReasonRelease, refID); err != nil {
		return nil, err
	}

	releaseTotal.Inc()
	return item, nil
}

// Confirm converts qty reserved units into a completed sale in its own
// transaction: both stock and reserved decrease.
func (l *Ledger) Confirm(ctx context.Context, itemID string, qty int, refID *string) (*domain.Item, error) {
	var item *domain.Item
	err := l.inTx(ctx, func(q repository.Querier) error {
		var err error
		item, err = l.ConfirmTx(ctx, q, itemID, qty, refID)
		return err
	})
	return item, err
}

// ConfirmTx is Confirm inside a caller-owned transaction. When total stock
// reaches zero the item is marked SOLD_OUT.
func (l *Ledger) ConfirmTx(ctx context.Context, q repository.Querier, itemID string, qty int, refID *string) (*domain.Item, error) {
	if qty < 1 {
		return nil, apperrors.InvalidInput("quantity must be at least 1")
	}

	item, err := l.items.GetForUpdate(ctx, q, itemID)
	if err != nil {
		return nil, err
	}

	if item.ReservedStock < qty {
		return nil, apperrors.NotEnoughReserved(itemID, qty, item.ReservedStock)
	}
	if item.Stock < qty {
		return nil, apperrors.NotEnoughStock(itemID, qty, item.Stock)
	}

	item.Stock -= qty
	item.ReservedStock -= qty
	item.AvailableStock = item.Stock - item.ReservedStock

	if item.Stock == 0 {
		item.Status = domain.ItemStatusSoldOut
	}

	if err := l.applyLedger(ctx, q, item, -qty, domain.MovementReasonConfirm, refID); err != nil {
		return nil, err
	}

	confirmTotal.Inc()
	return item, nil
}

// BulkReserve atomically reserves every line item or none. Rows are locked in
// ascending item ID order so two bulk reserves touching the same pair of
// items in opposite orders cannot deadlock.
func (l *Ledger) BulkReserve(ctx context.Context, lines []LineItem, refID *string) ([]*domain.Item, error) {
	if len(lines) == 0 {
		return nil, apperrors.InvalidInput("no line items")
	}

	seen := make(map[string]struct{}, len(lines))
	for _, li := range lines {
		if _, dup := seen[li.ItemID]; dup {
			return nil, apperrors.InvalidInput(fmt.Sprintf("duplicate item %s in bulk reserve", li.ItemID))
		}
		seen[li.ItemID] = struct{}{}
	}

	ordered := make([]LineItem, len(lines))
	copy(ordered, lines)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ItemID < ordered[j].ItemID })

	var items []*domain.Item
	err := l.inTx(ctx, func(q repository.Querier) error {
		items = items[:0]
		for _, li := range ordered {
			item, err := l.ReserveTx(ctx, q, li.ItemID, li.Quantity, refID)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// CheckConsistency returns every item whose stored available stock violates
// available == stock - reserved.
func (l *Ledger) CheckConsistency(ctx context.Context) ([]domain.ConsistencyViolation, error) {
	return l.items.ListInconsistent(ctx)
}

// FixConsistency repairs available_stock for all violating items. Operator
// recovery only; returns the number of rows repaired.
func (l *Ledger) FixConsistency(ctx context.Context) (int64, error) {
	fixed, err := l.items.FixInconsistent(ctx)
	if err != nil {
		return 0, err
	}
	if fixed > 0 {
		l.logger.WarnContext(ctx, "stock consistency repaired",
			slog.Int64("items_fixed", fixed),
		)
	}
	return fixed, nil
}

// applyLedger persists the mutated ledger fields and the audit movement.
func (l *Ledger) applyLedger(ctx context.Context, q repository.Querier, item *domain.Item, delta int, reason string, refID *string) error {
	if err := l.items.UpdateLedger(ctx, q, item); err != nil {
		return err
	}

	m := &domain.StockMovement{
		ItemID:         item.ID,
		QuantityChange: delta,
		Reason:         reason,
		ReferenceID:    refID,
	}
	if err := l.items.RecordMovement(ctx, q, m); err != nil {
		return err
	}

	return nil
}

// inTx runs fn inside a transaction, committing on nil and rolling back on error.
func (l *Ledger) inTx(ctx context.Context, fn func(q repository.Querier) error) error {
	tx, err := l.pool.Begin(ctx)
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
