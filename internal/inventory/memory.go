package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/google/uuid"
)

type stockCell struct {
	mu        sync.Mutex
	available int
	reserved  int
}

// MemoryLedger keeps counters in process. Each product has its own mutex; a
// group reservation holds the mutexes of the products it touches, acquired in
// product-id order.
type MemoryLedger struct {
	cellsMu sync.RWMutex
	cells   map[string]*stockCell

	resMu        sync.Mutex
	reservations map[string]*models.Reservation

	now func() time.Time
}

// NewMemoryLedger creates an empty in-process ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		cells:        make(map[string]*stockCell),
		reservations: make(map[string]*models.Reservation),
		now:          time.Now,
	}
}

func (l *MemoryLedger) cell(productID string, create bool) *stockCell {
	l.cellsMu.RLock()
	c := l.cells[productID]
	l.cellsMu.RUnlock()
	if c != nil || !create {
		return c
	}

	l.cellsMu.Lock()
	defer l.cellsMu.Unlock()
	if c = l.cells[productID]; c == nil {
		c = &stockCell{}
		l.cells[productID] = c
	}
	return c
}

// SetStock overwrites the available count of a product
func (l *MemoryLedger) SetStock(_ context.Context, productID string, available int) error {
	if available < 0 {
		return apperr.Validation("available stock for %s cannot be negative", productID)
	}
	c := l.cell(productID, true)
	c.mu.Lock()
	c.available = available
	c.mu.Unlock()
	return nil
}

// Available returns the available count, 0 for unknown products
func (l *MemoryLedger) Available(_ context.Context, productID string) (int, error) {
	c := l.cell(productID, false)
	if c == nil {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available, nil
}

// Reserve debits every line or none of them
func (l *MemoryLedger) Reserve(_ context.Context, lines []models.StockLine) (string, error) {
	agg, err := AggregateLines(lines)
	if err != nil {
		return "", err
	}

	cells := make([]*stockCell, len(agg))
	for i, line := range agg {
		cells[i] = l.cell(line.ProductID, true)
		cells[i].mu.Lock()
	}
	defer func() {
		for i := len(cells) - 1; i >= 0; i-- {
			cells[i].mu.Unlock()
		}
	}()

	var shortages []apperr.Shortage
	for i, line := range agg {
		if cells[i].available < line.Quantity {
			shortages = append(shortages, apperr.Shortage{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: cells[i].available,
			})
		}
	}
	if len(shortages) > 0 {
		return "", apperr.InsufficientStock(shortages)
	}

	for i, line := range agg {
		cells[i].available -= line.Quantity
		cells[i].reserved += line.Quantity
	}

	now := l.now()
	token := uuid.NewString()
	l.resMu.Lock()
	l.reservations[token] = &models.Reservation{
		ID:        token,
		State:     models.ReservationReserved,
		Lines:     agg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.resMu.Unlock()

	return token, nil
}

// transition moves a reservation between states under resMu and reports the
// state it was found in, so credits are applied at most once.
func (l *MemoryLedger) transition(token string, allowed map[string]string) (*models.Reservation, string, bool) {
	l.resMu.Lock()
	defer l.resMu.Unlock()

	r, ok := l.reservations[token]
	if !ok {
		return nil, "", false
	}
	from := r.State
	to, ok := allowed[from]
	if !ok {
		return r, from, false
	}
	r.State = to
	r.UpdatedAt = l.now()
	return r, from, true
}

// Commit marks the reservation consumed; the debit already happened
func (l *MemoryLedger) Commit(_ context.Context, token string) error {
	r, from, moved := l.transition(token, map[string]string{
		models.ReservationReserved: models.ReservationCommitted,
	})
	if r == nil {
		return fmt.Errorf("commit %s: %w", token, ErrReservationNotFound)
	}
	if !moved {
		if from == models.ReservationCommitted || from == models.ReservationRestocked {
			return nil
		}
		return fmt.Errorf("commit %s: %w", token, ErrReservationReleased)
	}
	l.apply(r.Lines, 0, -1)
	return nil
}

// Release credits back a reservation that was never committed
func (l *MemoryLedger) Release(_ context.Context, token string) error {
	r, _, moved := l.transition(token, map[string]string{
		models.ReservationReserved: models.ReservationReleased,
	})
	if !moved {
		return nil
	}
	l.apply(r.Lines, 1, -1)
	return nil
}

// Restock credits back a committed reservation
func (l *MemoryLedger) Restock(_ context.Context, token string) error {
	r, from, moved := l.transition(token, map[string]string{
		models.ReservationReserved:  models.ReservationReleased,
		models.ReservationCommitted: models.ReservationRestocked,
	})
	if !moved {
		return nil
	}
	if from == models.ReservationReserved {
		l.apply(r.Lines, 1, -1)
		return nil
	}
	l.apply(r.Lines, 1, 0)
	return nil
}

// apply adds sign*quantity to available and reservedSign*quantity to reserved
func (l *MemoryLedger) apply(lines []models.StockLine, availableSign, reservedSign int) {
	for _, line := range lines {
		c := l.cell(line.ProductID, true)
		c.mu.Lock()
		c.available += availableSign * line.Quantity
		c.reserved += reservedSign * line.Quantity
		c.mu.Unlock()
	}
}

// StaleReservations lists RESERVED tokens created before olderThan, oldest first
func (l *MemoryLedger) StaleReservations(_ context.Context, olderThan time.Time) ([]string, error) {
	l.resMu.Lock()
	defer l.resMu.Unlock()

	var stale []*models.Reservation
	for _, r := range l.reservations {
		if r.State == models.ReservationReserved && r.CreatedAt.Before(olderThan) {
			stale = append(stale, r)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	tokens := make([]string, 0, len(stale))
	for _, r := range stale {
		tokens = append(tokens, r.ID)
	}
	return tokens, nil
}

// Reservation returns a copy of the reservation identified by token
func (l *MemoryLedger) Reservation(token string) (models.Reservation, bool) {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	r, ok := l.reservations[token]
	if !ok {
		return models.Reservation{}, false
	}
	c := *r
	c.Lines = append([]models.StockLine(nil), r.Lines...)
	return c, true
}
