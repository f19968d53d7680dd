package service

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/inventory"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// ReconcileResult counts what one pass did
type ReconcileResult struct {
	Committed int
	Released  int
	Failed    int
}

// Reconciler settles reservations orphaned by a crash between reserve and
// commit: a reservation with an order is committed, one without is released.
type Reconciler struct {
	ledger      inventory.Ledger
	orders      OrderRepository
	gracePeriod time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewReconciler creates a new reconciler. gracePeriod must exceed the payment
// timeout so in-flight checkouts are never touched.
func NewReconciler(ledger inventory.Ledger, orders OrderRepository, gracePeriod time.Duration) *Reconciler {
	return &Reconciler{
		ledger:      ledger,
		orders:      orders,
		gracePeriod: gracePeriod,
		logger:      util.GetLogger(),
		now:         time.Now,
	}
}

// ReconcileOnce settles every reservation older than the grace period
func (r *Reconciler) ReconcileOnce(ctx context.Context) (ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.ReconcileOnce")
	defer span.End()

	var res ReconcileResult
	tokens, err := r.ledger.StaleReservations(ctx, r.now().Add(-r.gracePeriod))
	if err != nil {
		return res, fmt.Errorf("failed to list stale reservations: %w", err)
	}

	for _, token := range tokens {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		order, err := r.orders.GetOrderByReservation(ctx, token)
		if err != nil {
			res.Failed++
			r.logger.Error("Failed to look up order for reservation", zap.String("reservation_id", token), zap.Error(err))
			continue
		}

		if order != nil {
			if err := r.ledger.Commit(ctx, token); err != nil {
				res.Failed++
				r.logger.Error("Failed to commit orphaned reservation", zap.String("reservation_id", token), zap.Error(err))
				continue
			}
			res.Committed++
			util.ReconcilerActionsTotal.WithLabelValues("committed").Inc()
			r.logger.Info("Committed orphaned reservation",
				zap.String("reservation_id", token),
				zap.String("tracking_code", order.TrackingCode))
			continue
		}

		if err := r.ledger.Release(ctx, token); err != nil {
			res.Failed++
			r.logger.Error("Failed to release orphaned reservation", zap.String("reservation_id", token), zap.Error(err))
			continue
		}
		res.Released++
		util.ReconcilerActionsTotal.WithLabelValues("released").Inc()
		r.logger.Info("Released orphaned reservation", zap.String("reservation_id", token))
	}

	if len(tokens) > 0 {
		r.logger.Info("Reconciliation pass completed",
			zap.Int("committed", res.Committed),
			zap.Int("released", res.Released),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}
