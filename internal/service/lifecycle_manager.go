package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/auth"
	"checkout-service/internal/inventory"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const statusUpdateAttempts = 3

// LifecycleManager drives placed orders through their status machine
type LifecycleManager struct {
	orders OrderRepository
	ledger inventory.Ledger
	cache  TrackingCache
	events EventPublisher
	logger *zap.Logger
	now    func() time.Time
}

// NewLifecycleManager creates a new lifecycle manager; cache may be nil
func NewLifecycleManager(orders OrderRepository, ledger inventory.Ledger, cache TrackingCache, events EventPublisher) *LifecycleManager {
	return &LifecycleManager{
		orders: orders,
		ledger: ledger,
		cache:  cache,
		events: events,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// GetByTracking returns the public view of an order; no identity needed
func (m *LifecycleManager) GetByTracking(ctx context.Context, code string) (*models.PublicOrder, error) {
	ctx, span := util.StartSpan(ctx, "LifecycleManager.GetByTracking")
	defer span.End()

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Validation("tracking code is required")
	}

	if m.cache != nil {
		view, ok, err := m.cache.GetTracking(ctx, code)
		if err != nil {
			m.logger.Warn("Tracking cache read failed", zap.String("tracking_code", code), zap.Error(err))
		} else if ok {
			return view, nil
		}
	}

	order, err := m.load(ctx, code)
	if err != nil {
		return nil, err
	}

	view := order.Public()
	if m.cache != nil {
		if _, err := m.cache.SetTracking(ctx, view); err != nil {
			m.logger.Warn("Tracking cache write failed", zap.String("tracking_code", code), zap.Error(err))
		}
	}
	return view, nil
}

// ListForUser returns the orders of userID to that user or an operator
func (m *LifecycleManager) ListForUser(ctx context.Context, caller *auth.Identity, userID string) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "LifecycleManager.ListForUser")
	defer span.End()

	if err := auth.RequireSelfOrOperator(caller, userID); err != nil {
		return nil, err
	}
	orders, err := m.orders.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to list orders", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// AdvanceStatus moves the order to target. Operators may make every legal
// move; an owner may only cancel an order that is not yet in processing. Asking
// for the current status returns the order unchanged.
func (m *LifecycleManager) AdvanceStatus(ctx context.Context, code string, target models.OrderStatus, caller *auth.Identity) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "LifecycleManager.AdvanceStatus")
	defer span.End()

	target = models.OrderStatus(strings.ToUpper(strings.TrimSpace(string(target))))
	if !target.Valid() {
		return nil, apperr.Validation("unknown order status %q", target)
	}
	if err := auth.Require(caller, auth.AuthenticatedUser); err != nil {
		return nil, err
	}

	order, err := m.load(ctx, code)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= statusUpdateAttempts; attempt++ {
		if err := authorizeTransition(caller, order, target); err != nil {
			return nil, err
		}
		if order.Status == target {
			return order, nil
		}
		if !models.CanTransition(order.Status, target) {
			return nil, apperr.Transition("order %s cannot move from %s to %s", order.TrackingCode, order.Status, target)
		}

		change := models.StatusChange{
			From:  order.Status,
			To:    target,
			Actor: caller.Actor(),
			Role:  string(caller.Role),
			At:    m.now().UTC(),
		}
		err := m.orders.UpdateOrderStatus(ctx, order.ID, order.Status, change)
		if errors.Is(err, store.ErrStaleStatus) {
			m.logger.Info("Order status changed concurrently, re-evaluating",
				zap.String("tracking_code", order.TrackingCode),
				zap.Int("attempt", attempt))
			if order, err = m.load(ctx, code); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, apperr.Internal("failed to update order status", err)
		}

		order.Status = target
		order.UpdatedAt = change.At
		order.StatusHistory = append(order.StatusHistory, change)
		m.afterTransition(context.WithoutCancel(ctx), order, change)
		return order, nil
	}
	return nil, apperr.Conflict("order %s is changing too quickly, retry", order.TrackingCode)
}

// authorizeTransition applies the role rules. Non-owners who are not
// operators learn nothing about the order's state.
func authorizeTransition(caller *auth.Identity, order *models.Order, target models.OrderStatus) error {
	if caller.IsOperator() {
		return nil
	}
	if caller.UserID != order.UserID {
		return apperr.Forbidden("user %s may not change order %s", caller.UserID, order.TrackingCode)
	}
	if order.Status == target {
		return nil
	}
	if target == models.OrderStatusCancelled && ownerMayCancel(order.Status) {
		return nil
	}
	return apperr.Forbidden("%s capability required to move an order to %s", auth.PrivilegedOperator, target)
}

// ownerMayCancel reports whether the order is still early enough for its
// owner to cancel it
func ownerMayCancel(status models.OrderStatus) bool {
	return status == models.OrderStatusPendingConfirmation || status == models.OrderStatusPaid
}

func (m *LifecycleManager) load(ctx context.Context, code string) (*models.Order, error) {
	order, err := m.orders.GetOrderByTracking(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, apperr.Internal("failed to load order", err)
	}
	if order == nil {
		return nil, apperr.NotFound("no order with tracking code %s", code)
	}
	return order, nil
}

// refreshTracking stores the post-transition view. A reader that loaded the
// order before the transition can then no longer overwrite it.
func (m *LifecycleManager) refreshTracking(ctx context.Context, order *models.Order) {
	_, err := m.cache.SetTracking(ctx, order.Public())
	if err == nil {
		return
	}
	m.logger.Warn("Failed to refresh tracking cache", zap.String("tracking_code", order.TrackingCode), zap.Error(err))
	if err := m.cache.InvalidateTracking(ctx, order.TrackingCode); err != nil {
		m.logger.Warn("Failed to invalidate tracking cache", zap.String("tracking_code", order.TrackingCode), zap.Error(err))
	}
}

func (m *LifecycleManager) afterTransition(ctx context.Context, order *models.Order, change models.StatusChange) {
	util.OrderTransitionsTotal.WithLabelValues(string(change.To)).Inc()
	m.logger.Info("Order status changed",
		zap.String("tracking_code", order.TrackingCode),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.String("actor", change.Actor))

	if m.cache != nil {
		m.refreshTracking(ctx, order)
	}

	if change.To == models.OrderStatusCancelled {
		util.OrdersCancelledTotal.Inc()
		if err := m.ledger.Restock(ctx, order.ReservationID); err != nil {
			// the restock worker retries from the status event
			m.logger.Error("Failed to restock cancelled order",
				zap.String("tracking_code", order.TrackingCode),
				zap.String("reservation_id", order.ReservationID),
				zap.Error(err))
		} else {
			util.InventoryRestocksTotal.WithLabelValues("lifecycle").Inc()
		}
	}

	event := &models.OrderStatusChangedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderStatusChanged, change.At),
		OrderID:       order.ID,
		TrackingCode:  order.TrackingCode,
		ReservationID: order.ReservationID,
		From:          change.From,
		To:            change.To,
		Actor:         change.Actor,
	}
	if err := m.events.PublishOrderStatusChanged(ctx, event); err != nil {
		m.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}
}
