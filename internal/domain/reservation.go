package domain

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reservation status constants. Transitions are one-way from PENDING;
// CONFIRMED, EXPIRED, and CANCELLED are terminal.
const (
	ReservationStatusPending   = "PENDING"
	ReservationStatusConfirmed = "CONFIRMED"
	ReservationStatusExpired   = "EXPIRED"
	ReservationStatusCancelled = "CANCELLED"
)

// Reservation represents a customer's temporary hold on flash-sale stock.
type Reservation struct {
	ID                 string          `json:"id"`
	ReservationCode    string          `json:"reservation_code"`
	UserID             string          `json:"user_id"`
	ItemID             string          `json:"item_id"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	TotalPrice         decimal.Decimal `json:"total_price"`
	Status             string          `json:"status"`
	ExpiresAt          time.Time       `json:"expires_at"`
	CancellationReason *string         `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// IsPending returns true if the reservation can still be checked out or cancelled.
func (r *Reservation) IsPending() bool {
	return r.Status == ReservationStatusPending
}

// IsTerminal returns true if the reservation has left PENDING.
func (r *Reservation) IsTerminal() bool {
	return r.Status != ReservationStatusPending
}

// IsExpired returns true if the hold window has elapsed. The deadline itself
// is already expired: a checkout at exactly expires_at loses to the sweeper.
// Only meaningful while the reservation is PENDING.
func (r *Reservation) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ValidReservationStatuses returns the set of valid reservation statuses.
func ValidReservationStatuses() []string {
	return []string{ReservationStatusPending, ReservationStatusConfirmed, ReservationStatusExpired, ReservationStatusCancelled}
}

// IsValidReservationStatus checks whether the given status is a valid reservation status.
func IsValidReservationStatus(status string) bool {
	for _, s := range ValidReservationStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewReservationCode generates a human-readable reservation code of the form
// RSV-YYYYMMDD-XXXXXX. The suffix alphabet omits ambiguous characters.
func NewReservationCode(now time.Time) string {
	buf := make([]byte, 6)
	// rand.Read on crypto/rand never fails on supported platforms.
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return fmt.Sprintf("RSV-%s-%s", now.Format("20060102"), string(buf))
}
