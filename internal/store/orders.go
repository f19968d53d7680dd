package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// ErrStaleStatus is returned when a conditional status update finds another status
var ErrStaleStatus = errors.New("order status changed concurrently")

const orderColumns = `id, tracking_code, user_id, total_amount, status, reservation_id,
	payment_tx_id, idempotency_key, created_at, updated_at`

type orderItemRow struct {
	ProductID string `db:"product_id"`
	Size      string `db:"size"`
	Color     string `db:"color"`
	Quantity  int    `db:"quantity"`
	UnitPrice int64  `db:"unit_price"`
}

// CreateOrder persists the order, its items and its first history entry atomically
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :tracking_code, :user_id, :total_amount, :status, :reservation_id,
			:payment_tx_id, :idempotency_key, :created_at, :updated_at)`, order)
	if isUniqueViolation(err) {
		return fmt.Errorf("create order %s: %w", order.TrackingCode, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i, item := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, size, color, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			order.ID, i, item.ProductID, item.Variant.Size, item.Variant.Color, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	for _, h := range order.StatusHistory {
		if err := insertHistory(ctx, tx, order.ID, h); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, orderID string, h models.StatusChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, actor, actor_role, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		orderID, h.From, h.To, h.Actor, h.Role, h.At)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}
	return nil
}

// getOrderWhere loads one order with its items and history; nil when absent
func (s *Store) getOrderWhere(ctx context.Context, where string, args ...interface{}) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE "+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderDetails(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) loadOrderDetails(ctx context.Context, order *models.Order) error {
	var items []orderItemRow
	if err := s.db.SelectContext(ctx, &items, `
		SELECT product_id, size, color, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY line_no`, order.ID); err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	order.Items = make([]models.OrderItem, 0, len(items))
	for _, r := range items {
		order.Items = append(order.Items, models.OrderItem{
			ProductID: r.ProductID,
			Variant:   models.VariantKey{Size: r.Size, Color: r.Color},
			Quantity:  r.Quantity,
			UnitPrice: r.UnitPrice,
		})
	}

	order.StatusHistory = nil
	if err := s.db.SelectContext(ctx, &order.StatusHistory, `
		SELECT from_status, to_status, actor, actor_role, changed_at
		FROM order_status_history WHERE order_id = $1 ORDER BY id`, order.ID); err != nil {
		return fmt.Errorf("failed to load status history: %w", err)
	}
	return nil
}

// GetOrderByTracking retrieves an order by its public tracking code
func (s *Store) GetOrderByTracking(ctx context.Context, code string) (*models.Order, error) {
	return s.getOrderWhere(ctx, "tracking_code = $1", code)
}

// GetOrderByReservation retrieves the order created from a reservation
func (s *Store) GetOrderByReservation(ctx context.Context, reservationID string) (*models.Order, error) {
	return s.getOrderWhere(ctx, "reservation_id = $1", reservationID)
}

// GetOrderByIdempotencyKey retrieves an order by the key its checkout was submitted with
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	return s.getOrderWhere(ctx, "user_id = $1 AND idempotency_key = $2", userID, key)
}

// ListOrdersByUser retrieves orders for a user, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	if err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID); err != nil {
		return nil, err
	}
	for i := range orders {
		if err := s.loadOrderDetails(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// UpdateOrderStatus moves an order from one status to another and appends the
// history entry; it fails with ErrStaleStatus when the order is no longer in from.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from models.OrderStatus, change models.StatusChange) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		change.To, change.At, orderID, from)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleStatus
	}

	if err := insertHistory(ctx, tx, orderID, change); err != nil {
		return err
	}
	return tx.Commit()
}
