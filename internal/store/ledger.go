package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/inventory"
	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Reserve locks the touched inventory rows (FOR UPDATE, product-id order),
// checks every line, and debits all of them in one transaction.
func (s *Store) Reserve(ctx context.Context, lines []models.StockLine) (string, error) {
	agg, err := inventory.AggregateLines(lines)
	if err != nil {
		return "", err
	}

	ids := make([]string, len(agg))
	for i, line := range agg {
		ids[i] = line.ProductID
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(
		"SELECT product_id, available FROM inventory WHERE product_id IN (?) ORDER BY product_id FOR UPDATE", ids)
	if err != nil {
		return "", err
	}

	var rows []struct {
		ProductID string `db:"product_id"`
		Available int    `db:"available"`
	}
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return "", fmt.Errorf("failed to lock inventory: %w", err)
	}
	have := make(map[string]int, len(rows))
	for _, r := range rows {
		have[r.ProductID] = r.Available
	}

	var shortages []apperr.Shortage
	for _, line := range agg {
		if have[line.ProductID] < line.Quantity {
			shortages = append(shortages, apperr.Shortage{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: have[line.ProductID],
			})
		}
	}
	if len(shortages) > 0 {
		return "", apperr.InsufficientStock(shortages)
	}

	token := uuid.NewString()
	now := s.now()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO reservations (id, state, created_at, updated_at) VALUES ($1, $2, $3, $3)",
		token, models.ReservationReserved, now); err != nil {
		return "", fmt.Errorf("failed to record reservation: %w", err)
	}

	for _, line := range agg {
		if _, err := tx.ExecContext(ctx,
			"UPDATE inventory SET available = available - $1, reserved = reserved + $1, updated_at = NOW() WHERE product_id = $2",
			line.Quantity, line.ProductID); err != nil {
			return "", fmt.Errorf("failed to reserve stock: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO reservation_items (reservation_id, product_id, quantity) VALUES ($1, $2, $3)",
			token, line.ProductID, line.Quantity); err != nil {
			return "", fmt.Errorf("failed to record reservation item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

// lockReservation returns the state of a reservation with its row locked
func lockReservation(ctx context.Context, tx *sqlx.Tx, token string) (string, error) {
	var state string
	err := tx.GetContext(ctx, &state, "SELECT state FROM reservations WHERE id = $1 FOR UPDATE", token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return state, err
}

func (s *Store) settle(ctx context.Context, token string, decide func(state string) (next, stockSQL string, err error)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	state, err := lockReservation(ctx, tx, token)
	if err != nil {
		return fmt.Errorf("failed to lock reservation: %w", err)
	}

	next, stockSQL, err := decide(state)
	if err != nil || next == "" {
		return err
	}

	var items []models.StockLine
	if err := tx.SelectContext(ctx, &items,
		"SELECT product_id, quantity FROM reservation_items WHERE reservation_id = $1 ORDER BY product_id",
		token); err != nil {
		return fmt.Errorf("failed to load reservation items: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, stockSQL, item.Quantity, item.ProductID); err != nil {
			return fmt.Errorf("failed to adjust stock: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE reservations SET state = $1, updated_at = $2 WHERE id = $3", next, s.now(), token); err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return tx.Commit()
}

const (
	releaseSQL = "UPDATE inventory SET available = available + $1, reserved = reserved - $1, updated_at = NOW() WHERE product_id = $2"
	commitSQL  = "UPDATE inventory SET reserved = reserved - $1, updated_at = NOW() WHERE product_id = $2"
	restockSQL = "UPDATE inventory SET available = available + $1, updated_at = NOW() WHERE product_id = $2"
)

// Commit finalizes a reservation (final deduction of the reserved column)
func (s *Store) Commit(ctx context.Context, token string) error {
	return s.settle(ctx, token, func(state string) (string, string, error) {
		switch state {
		case "":
			return "", "", fmt.Errorf("commit %s: %w", token, inventory.ErrReservationNotFound)
		case models.ReservationReleased:
			return "", "", fmt.Errorf("commit %s: %w", token, inventory.ErrReservationReleased)
		case models.ReservationReserved:
			return models.ReservationCommitted, commitSQL, nil
		}
		return "", "", nil
	})
}

// Release credits back an uncommitted reservation (compensation)
func (s *Store) Release(ctx context.Context, token string) error {
	return s.settle(ctx, token, func(state string) (string, string, error) {
		if state == models.ReservationReserved {
			return models.ReservationReleased, releaseSQL, nil
		}
		return "", "", nil
	})
}

// Restock credits back a committed reservation
func (s *Store) Restock(ctx context.Context, token string) error {
	return s.settle(ctx, token, func(state string) (string, string, error) {
		switch state {
		case models.ReservationCommitted:
			return models.ReservationRestocked, restockSQL, nil
		case models.ReservationReserved:
			return models.ReservationReleased, releaseSQL, nil
		}
		return "", "", nil
	})
}

// Available returns the available count, 0 for unknown products
func (s *Store) Available(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT available FROM inventory WHERE product_id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// StaleReservations lists RESERVED tokens created before olderThan
func (s *Store) StaleReservations(ctx context.Context, olderThan time.Time) ([]string, error) {
	var tokens []string
	err := s.db.SelectContext(ctx, &tokens,
		"SELECT id FROM reservations WHERE state = $1 AND created_at < $2 ORDER BY created_at",
		models.ReservationReserved, olderThan)
	return tokens, err
}
