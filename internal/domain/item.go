package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item status constants.
const (
	ItemStatusActive     = "ACTIVE"
	ItemStatusInactive   = "INACTIVE"
	ItemStatusSoldOut    = "SOLD_OUT"
	ItemStatusOutOfStock = "OUT_OF_STOCK"
)

// Item represents a flash-sale item with its three-field stock ledger.
// AvailableStock is stored, not derived, so the ledger must keep
// AvailableStock == Stock - ReservedStock at every transaction boundary.
type Item struct {
	ID             string          `json:"id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	Stock          int             `json:"stock"`
	ReservedStock  int             `json:"reserved_stock"`
	AvailableStock int             `json:"available_stock"`
	Status         string          `json:"status"`
	SaleStartDate  *time.Time      `json:"sale_start_date,omitempty"`
	SaleEndDate    *time.Time      `json:"sale_end_date,omitempty"`
	MaxPerUser     int             `json:"max_per_user"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// IsConsistent reports whether the stored available stock matches the
// derived value.
func (i *Item) IsConsistent() bool {
	return i.AvailableStock == i.Stock-i.ReservedStock
}

// SaleWindowOpen reports whether the current time falls inside the item's
// sale window. Unset bounds are treated as open-ended.
func (i *Item) SaleWindowOpen(now time.Time) bool {
	if i.SaleStartDate != nil && now.Before(*i.SaleStartDate) {
		return false
	}
	if i.SaleEndDate != nil && now.After(*i.SaleEndDate) {
		return false
	}
	return true
}

// Reservable reports whether a new reservation may be placed against the item.
func (i *Item) Reservable(now time.Time) bool {
	return i.Status == ItemStatusActive && i.SaleWindowOpen(now)
}

// ValidItemStatuses returns the set of valid item statuses.
func ValidItemStatuses() []string {
	return []string{ItemStatusActive, ItemStatusInactive, ItemStatusSoldOut, ItemStatusOutOfStock}
}

// IsValidItemStatus checks whether the given status is a valid item status.
func IsValidItemStatus(status string) bool {
	for _, s := range ValidItemStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// ConsistencyViolation describes an item whose stored available stock does not
// match stock - reserved. Returned by the ledger's consistency check.
type ConsistencyViolation struct {
	ItemID         string `json:"item_id"`
	SKU            string `json:"sku"`
	Stock          int    `json:"stock"`
	ReservedStock  int    `json:"reserved_stock"`
	AvailableStock int    `json:"available_stock"`
	Expected       int    `json:"expected"`
}

// StockMovement records a change to an item's ledger fields for audit.
type StockMovement struct {
	ID             string    `json:"id"`
	ItemID         string    `json:"item_id"`
	QuantityChange int       `json:"quantity_change"`
	Reason         string    `json:"reason"`
	ReferenceID    *string   `json:"reference_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stock movement reasons.
const (
	MovementReasonReserve = "reserve"
	MovementReasonRelease = "release"
	MovementReasonConfirm = "confirm"
	MovementReasonRepair  = "repair"
)
