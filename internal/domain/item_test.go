package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func ts(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func TestItem_IsConsistent(t *testing.T) {
	it := Item{Stock: 100, ReservedStock: 30, AvailableStock: 70}
	assert.True(t, it.IsConsistent())

	it.AvailableStock = 71
	assert.False(t, it.IsConsistent())
}

func TestItem_SaleWindowOpen(t *testing.T) {
	now := ts("2026-06-15T12:00:00Z")
	start := ts("2026-06-15T00:00:00Z")
	end := ts("2026-06-16T00:00:00Z")

	tests := []struct {
		name  string
		start *time.Time
		end   *time.Time
		want  bool
	}{
		{"no bounds", nil, nil, true},
		{"inside window", &start, &end, true},
		{"before start", func() *time.Time { s := ts("2026-06-15T13:00:00Z"); return &s }(), nil, false},
		{"after end", nil, func() *time.Time { e := ts("2026-06-15T11:00:00Z"); return &e }(), false},
		{"open ended start", &start, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := Item{SaleStartDate: tt.start, SaleEndDate: tt.end}
			assert.Equal(t, tt.want, it.SaleWindowOpen(now))
		})
	}
}

func TestItem_Reservable(t *testing.T) {
	now := ts("2026-06-15T12:00:00Z")

	it := Item{Status: ItemStatusActive, Price: decimal.NewFromInt(10)}
	assert.True(t, it.Reservable(now))

	it.Status = ItemStatusSoldOut
	assert.False(t, it.Reservable(now))

	it.Status = ItemStatusActive
	end := ts("2026-06-15T11:00:00Z")
	it.SaleEndDate = &end
	assert.False(t, it.Reservable(now))
}

func TestIsValidItemStatus(t *testing.T) {
	for _, s := range ValidItemStatuses() {
		assert.True(t, IsValidItemStatus(s))
	}
	assert.False(t, IsValidItemStatus("PAUSED"))
	assert.False(t, IsValidItemStatus("active"))
}
