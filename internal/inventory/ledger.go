// Package inventory owns the per-product available-stock counters and the
// group reservations debited against them.
package inventory

import (
	"context"
	"errors"
	"sort"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
)

// ErrReservationNotFound is returned when committing an unknown token
var ErrReservationNotFound = errors.New("reservation not found")

// ErrReservationReleased is returned when committing a token that was already rolled back
var ErrReservationReleased = errors.New("reservation already released")

// Ledger is the serialization point for stock. Reserve is all-or-nothing,
// Release and Restock are idempotent.
type Ledger interface {
	Reserve(ctx context.Context, lines []models.StockLine) (string, error)
	Commit(ctx context.Context, token string) error
	Release(ctx context.Context, token string) error
	Restock(ctx context.Context, token string) error
	Available(ctx context.Context, productID string) (int, error)
	StaleReservations(ctx context.Context, olderThan time.Time) ([]string, error)
}

// AggregateLines merges lines of the same product, drops nothing, and sorts by
// product id so every backend locks counters in the same order.
func AggregateLines(lines []models.StockLine) ([]models.StockLine, error) {
	if len(lines) == 0 {
		return nil, apperr.Validation("reservation needs at least one line")
	}
	totals := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.ProductID == "" {
			return nil, apperr.Validation("reservation line without product id")
		}
		if l.Quantity <= 0 {
			return nil, apperr.Validation("quantity for product %s must be positive, got %d", l.ProductID, l.Quantity)
		}
		totals[l.ProductID] += l.Quantity
	}
	out := make([]models.StockLine, 0, len(totals))
	for id, q := range totals {
		out = append(out, models.StockLine{ProductID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
