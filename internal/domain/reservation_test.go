package domain

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReservation_StatusPredicates(t *testing.T) {
	r := Reservation{Status: ReservationStatusPending}
	assert.True(t, r.IsPending())
	assert.False(t, r.IsTerminal())

	for _, s := range []string{ReservationStatusConfirmed, ReservationStatusExpired, ReservationStatusCancelled} {
		r.Status = s
		assert.False(t, r.IsPending(), s)
		assert.True(t, r.IsTerminal(), s)
	}
}

func TestReservation_IsExpired(t *testing.T) {
	now := ts("2026-06-15T12:00:00Z")
	r := Reservation{ExpiresAt: ts("2026-06-15T12:10:00Z")}
	assert.False(t, r.IsExpired(now))

	r.ExpiresAt = ts("2026-06-15T11:59:59Z")
	assert.True(t, r.IsExpired(now))

	// The deadline itself is expired: a checkout landing exactly at
	// expires_at is rejected rather than racing the sweeper.
	r.ExpiresAt = now
	assert.True(t, r.IsExpired(now))
}

func TestNewReservationCode(t *testing.T) {
	now := ts("2026-06-15T12:00:00Z")
	pattern := regexp.MustCompile(`^RSV-20260615-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{6}$`)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		code := NewReservationCode(now)
		assert.Regexp(t, pattern, code)
		seen[code] = struct{}{}
	}
	// Collisions over 50 draws from a 32^6 space would indicate a broken generator.
	assert.Greater(t, len(seen), 45)
}

func TestNewReservationCode_DatePortion(t *testing.T) {
	code := NewReservationCode(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Contains(t, code, "RSV-20260102-")
}
