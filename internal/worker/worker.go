package worker

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/inventory"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const restockClaimTTL = 24 * time.Hour

// Deduper remembers which events were already handled
type Deduper interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// RestockWorker credits stock back for cancelled orders from the event stream.
// It backs up the restock the lifecycle manager does inline.
type RestockWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	ledger       inventory.Ledger
	dedup        Deduper
	logger       *zap.Logger
}

// NewRestockWorker creates a new restock worker; dedup may be nil
func NewRestockWorker(consumer *broker.Consumer, ledger inventory.Ledger, dedup Deduper) *RestockWorker {
	w := &RestockWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		ledger:       ledger,
		dedup:        dedup,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnOrderStatusChanged(w.HandleStatusChanged)
	return w
}

// HandleStatusChanged restocks the reservation of a cancelled order
func (w *RestockWorker) HandleStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	if event.To != models.OrderStatusCancelled {
		return nil
	}
	if event.ReservationID == "" {
		w.logger.Warn("Cancellation event without reservation", zap.String("order_id", event.OrderID))
		return nil
	}

	ctx, span := util.StartSpan(ctx, "RestockWorker.HandleStatusChanged")
	defer span.End()

	claimKey := "restock:" + event.EventID
	if w.dedup != nil {
		claimed, err := w.dedup.ClaimIdempotencyKey(ctx, claimKey, restockClaimTTL)
		if err != nil {
			return fmt.Errorf("failed to claim event %s: %w", event.EventID, err)
		}
		if !claimed {
			w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
			return nil
		}
	}

	if err := w.ledger.Restock(ctx, event.ReservationID); err != nil {
		if w.dedup != nil {
			if relErr := w.dedup.ReleaseIdempotencyKey(ctx, claimKey); relErr != nil {
				w.logger.Error("Failed to release event claim", zap.String("event_id", event.EventID), zap.Error(relErr))
			}
		}
		return fmt.Errorf("failed to restock reservation %s: %w", event.ReservationID, err)
	}

	util.InventoryRestocksTotal.WithLabelValues("worker").Inc()
	w.logger.Info("Restocked cancelled order",
		zap.String("tracking_code", event.TrackingCode),
		zap.String("reservation_id", event.ReservationID))
	return nil
}

// Start starts the worker
func (w *RestockWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting restock worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *RestockWorker) Stop() error {
	w.logger.Info("Stopping restock worker")
	return w.consumer.Close()
}

// reconcilePass is the part of service.Reconciler the worker drives
type reconcilePass interface {
	ReconcileOnce(ctx context.Context) (service.ReconcileResult, error)
}

// ReconcileWorker runs the reservation reconciler on a fixed interval
type ReconcileWorker struct {
	reconciler reconcilePass
	interval   time.Duration
	logger     *zap.Logger
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(reconciler *service.Reconciler, interval time.Duration) *ReconcileWorker {
	return &ReconcileWorker{
		reconciler: reconciler,
		interval:   interval,
		logger:     util.GetLogger(),
	}
}

// Start runs passes until ctx is done
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping reconcile worker")
			return nil
		case <-ticker.C:
			if _, err := w.reconciler.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Reconciliation pass failed", zap.Error(err))
			}
		}
	}
}
