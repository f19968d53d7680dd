package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/auth"
	"checkout-service/internal/inventory"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const trackingCodeAttempts = 3

// CheckoutConfig holds the checkout timing knobs
type CheckoutConfig struct {
	PaymentTimeout time.Duration
	LockTTL        time.Duration
	// SettleOnCharge starts new orders at PAID instead of PENDING_CONFIRMATION
	SettleOnCharge bool
}

// CheckoutOrchestrator turns a cart into an order: reserve, charge, persist,
// commit, then drop the ordered lines from the cart. Every forward step
// registers its compensation.
type CheckoutOrchestrator struct {
	carts    CartRepository
	orders   OrderRepository
	catalog  Catalog
	ledger   inventory.Ledger
	payments PaymentGateway
	locker   Locker
	events   EventPublisher
	cfg      CheckoutConfig
	logger   *zap.Logger

	now             func() time.Time
	newTrackingCode func() string
}

// NewCheckoutOrchestrator creates a new checkout orchestrator
func NewCheckoutOrchestrator(
	carts CartRepository,
	orders OrderRepository,
	catalog Catalog,
	ledger inventory.Ledger,
	payments PaymentGateway,
	locker Locker,
	events EventPublisher,
	cfg CheckoutConfig,
) *CheckoutOrchestrator {
	return &CheckoutOrchestrator{
		carts:           carts,
		orders:          orders,
		catalog:         catalog,
		ledger:          ledger,
		payments:        payments,
		locker:          locker,
		events:          events,
		cfg:             cfg,
		logger:          util.GetLogger(),
		now:             time.Now,
		newTrackingCode: NewTrackingCode,
	}
}

// NewTrackingCode returns "TRK-" followed by 16 random uppercase hex digits
func NewTrackingCode() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "TRK-" + strings.ToUpper(raw[:16])
}

// compensation undoes one completed forward step
type compensation struct {
	name string
	fn   func(context.Context) error
}

// saga runs compensations in reverse registration order
type saga struct {
	steps  []compensation
	logger *zap.Logger
}

func (s *saga) onFailure(name string, fn func(context.Context) error) {
	s.steps = append(s.steps, compensation{name: name, fn: fn})
}

func (s *saga) compensate(ctx context.Context) {
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.fn(ctx); err != nil {
			s.logger.Error("Compensation failed",
				zap.String("step", step.name),
				zap.Error(err))
		}
	}
	s.steps = nil
}

// PlaceOrder checks out the cart of userID. A non-empty idempotencyKey that
// already produced an order returns that order instead of charging again.
func (co *CheckoutOrchestrator) PlaceOrder(ctx context.Context, caller *auth.Identity, userID, idempotencyKey string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.PlaceOrder")
	defer span.End()

	if err := auth.RequireSelf(caller, userID); err != nil {
		return nil, err
	}
	util.CheckoutsStartedTotal.Inc()

	if existing, err := co.findByIdempotencyKey(ctx, userID, idempotencyKey); err != nil || existing != nil {
		return existing, err
	}

	unlock, acquired, err := co.locker.TryLock(ctx, "checkout:"+userID, co.cfg.LockTTL)
	if err != nil {
		return nil, co.fail(ctx, userID, 0, apperr.Internal("failed to acquire checkout lock", err))
	}
	if !acquired {
		return nil, co.fail(ctx, userID, 0, apperr.Conflict("a checkout for user %s is already in progress", userID))
	}
	defer unlock()

	// a request holding the same key may have finished while we waited for the lock
	if existing, err := co.findByIdempotencyKey(ctx, userID, idempotencyKey); err != nil || existing != nil {
		return existing, err
	}

	cart, err := co.carts.GetCart(ctx, userID)
	if err != nil {
		return nil, co.fail(ctx, userID, 0, apperr.Internal("failed to load cart", err))
	}
	if cart.IsEmpty() {
		return nil, co.fail(ctx, userID, 0, apperr.EmptyCart(userID))
	}

	items, total, err := co.priceCart(ctx, cart)
	if err != nil {
		return nil, co.fail(ctx, userID, 0, err)
	}

	// Past this point the pipeline always reaches a terminal outcome, even if
	// the client disconnects.
	ctx = context.WithoutCancel(ctx)

	token, err := co.reserve(ctx, items)
	if err != nil {
		return nil, co.fail(ctx, userID, total, err)
	}

	sg := &saga{logger: co.logger}
	sg.onFailure("release reservation", func(ctx context.Context) error {
		return co.ledger.Release(ctx, token)
	})

	charge, err := co.charge(ctx, userID, token, total)
	if err != nil {
		sg.compensate(ctx)
		return nil, co.fail(ctx, userID, total, err)
	}
	sg.onFailure("refund charge", func(ctx context.Context) error {
		return co.payments.Refund(ctx, charge.TransactionID)
	})

	order, existing, err := co.persist(ctx, caller, userID, idempotencyKey, token, charge.TransactionID, items, total)
	if err != nil {
		sg.compensate(ctx)
		return nil, co.fail(ctx, userID, total, apperr.Internal("failed to persist order", err))
	}
	if existing != nil {
		sg.compensate(ctx)
		return existing, nil
	}

	co.commit(ctx, token, order)

	// lines added while the charge was in flight stay in the cart
	if err := co.carts.RemoveOrderedLines(ctx, userID, cart.Items); err != nil {
		co.logger.Error("Failed to remove ordered lines from cart",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	co.publishPlaced(ctx, order)
	util.OrdersPlacedTotal.Inc()

	co.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("tracking_code", order.TrackingCode),
		zap.String("user_id", userID),
		zap.Int64("total_amount", total))

	return order, nil
}

func (co *CheckoutOrchestrator) findByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	if key == "" {
		return nil, nil
	}
	existing, err := co.orders.GetOrderByIdempotencyKey(ctx, userID, key)
	if err != nil {
		return nil, apperr.Internal("failed to check idempotency", err)
	}
	if existing != nil {
		co.logger.Info("Duplicate checkout request detected",
			zap.String("idempotency_key", key),
			zap.String("tracking_code", existing.TrackingCode))
	}
	return existing, nil
}

// priceCart snapshots the current catalog price of every cart line
func (co *CheckoutOrchestrator) priceCart(ctx context.Context, cart *models.Cart) ([]models.OrderItem, int64, error) {
	ids := make([]string, 0, len(cart.Items))
	seen := make(map[string]bool, len(cart.Items))
	for _, it := range cart.Items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}

	products, err := co.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, 0, apperr.Internal("failed to load products", err)
	}
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	var unavailable []string
	for _, id := range ids {
		if p, ok := byID[id]; !ok || p.Discontinued {
			unavailable = append(unavailable, id)
		}
	}
	if len(unavailable) > 0 {
		sort.Strings(unavailable)
		return nil, 0, apperr.ProductUnavailable(unavailable...)
	}

	items := make([]models.OrderItem, 0, len(cart.Items))
	var total int64
	for _, it := range cart.Items {
		price := byID[it.ProductID].Price
		items = append(items, models.OrderItem{
			ProductID: it.ProductID,
			Variant:   it.Variant,
			Quantity:  it.Quantity,
			UnitPrice: price,
		})
		total += price * int64(it.Quantity)
	}
	return items, total, nil
}

func (co *CheckoutOrchestrator) reserve(ctx context.Context, items []models.OrderItem) (string, error) {
	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	lines := make([]models.StockLine, len(items))
	for i, it := range items {
		lines[i] = models.StockLine{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	token, err := co.ledger.Reserve(ctx, lines)
	if err == nil {
		return token, nil
	}
	if errors.Is(err, apperr.ErrInsufficientStock) {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		return "", err
	}
	if _, ok := apperr.As(err); ok {
		util.InventoryReservationsFailed.WithLabelValues("rejected").Inc()
		return "", err
	}
	util.InventoryReservationsFailed.WithLabelValues("error").Inc()
	return "", apperr.Internal("failed to reserve stock", err)
}

// commit settles the reservation of a persisted order. The reconciler cannot
// repair a released reservation, so that case gets its own metric label.
func (co *CheckoutOrchestrator) commit(ctx context.Context, token string, order *models.Order) {
	err := co.ledger.Commit(ctx, token)
	if err == nil {
		return
	}
	if errors.Is(err, inventory.ErrReservationReleased) {
		util.ReservationCommitFailuresTotal.WithLabelValues("released").Inc()
		co.logger.Error("Order placed on a released reservation, stock needs manual review",
			zap.String("reservation_id", token),
			zap.String("order_id", order.ID),
			zap.String("tracking_code", order.TrackingCode),
			zap.Error(err))
		return
	}
	// the order exists, so the reconciler commits this reservation later
	util.ReservationCommitFailuresTotal.WithLabelValues("error").Inc()
	co.logger.Error("Failed to commit reservation",
		zap.String("reservation_id", token),
		zap.String("tracking_code", order.TrackingCode),
		zap.Error(err))
}

// charge calls the collaborator under the payment timeout; a timeout, an
// error and a decline all surface as PaymentFailed
func (co *CheckoutOrchestrator) charge(ctx context.Context, userID, token string, total int64) (models.ChargeResult, error) {
	payCtx, cancel := context.WithTimeout(ctx, co.cfg.PaymentTimeout)
	defer cancel()

	result, err := co.payments.Charge(payCtx, models.ChargeRequest{
		UserID:        userID,
		ReservationID: token,
		Amount:        total,
	})
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(payCtx.Err(), context.DeadlineExceeded)):
		return result, apperr.PaymentFailed("payment timed out", err)
	case err != nil:
		return result, apperr.PaymentFailed("payment could not be processed", err)
	case !result.Approved:
		reason := result.DeclineReason
		if reason == "" {
			reason = "payment declined"
		}
		return result, apperr.PaymentFailed(reason, nil)
	}
	return result, nil
}

// persist writes the order, retrying tracking-code collisions. When the
// idempotency key turns out to be taken, the order that owns it is returned
// as existing and nothing is written.
func (co *CheckoutOrchestrator) persist(
	ctx context.Context,
	caller *auth.Identity,
	userID, idempotencyKey, token, txID string,
	items []models.OrderItem,
	total int64,
) (order *models.Order, existing *models.Order, err error) {
	now := co.now().UTC()
	status := models.OrderStatusPendingConfirmation
	if co.cfg.SettleOnCharge {
		status = models.OrderStatusPaid
	}

	order = &models.Order{
		ID:             uuid.New().String(),
		UserID:         userID,
		TotalAmount:    total,
		Status:         status,
		ReservationID:  token,
		PaymentTxID:    txID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
		Items:          items,
		StatusHistory: []models.StatusChange{{
			To:    status,
			Actor: caller.Actor(),
			Role:  string(caller.Role),
			At:    now,
		}},
	}

	for attempt := 1; attempt <= trackingCodeAttempts; attempt++ {
		order.TrackingCode = co.newTrackingCode()
		err = co.orders.CreateOrder(ctx, order)
		if err == nil {
			return order, nil, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, nil, err
		}
		if idempotencyKey != "" {
			prior, lookupErr := co.orders.GetOrderByIdempotencyKey(ctx, userID, idempotencyKey)
			if lookupErr != nil {
				return nil, nil, lookupErr
			}
			if prior != nil {
				return nil, prior, nil
			}
		}
		co.logger.Warn("Tracking code collision, retrying",
			zap.String("tracking_code", order.TrackingCode),
			zap.Int("attempt", attempt))
	}
	return nil, nil, fmt.Errorf("no unique tracking code after %d attempts: %w", trackingCodeAttempts, err)
}

// fail records a failed checkout and passes err through
func (co *CheckoutOrchestrator) fail(ctx context.Context, userID string, amount int64, err error) error {
	kind := apperr.KindOf(err)
	util.CheckoutsFailedTotal.WithLabelValues(string(kind)).Inc()

	if kind == apperr.KindInternal {
		co.logger.Error("Checkout failed", zap.String("user_id", userID), zap.Error(err))
	} else {
		co.logger.Warn("Checkout rejected", zap.String("user_id", userID), zap.Error(err))
	}

	event := &models.CheckoutFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypeCheckoutFailed, co.now()),
		UserID:    userID,
		Reason:    string(kind),
		Amount:    amount,
	}
	if pubErr := co.events.PublishCheckoutFailed(ctx, event); pubErr != nil {
		co.logger.Error("Failed to publish CheckoutFailed event", zap.Error(pubErr))
	}
	return err
}

func (co *CheckoutOrchestrator) publishPlaced(ctx context.Context, order *models.Order) {
	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: it.ProductID,
			Variant:   it.Variant.String(),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	event := &models.OrderPlacedEvent{
		BaseEvent:    newBaseEvent(models.EventTypeOrderPlaced, co.now()),
		OrderID:      order.ID,
		TrackingCode: order.TrackingCode,
		UserID:       order.UserID,
		Status:       order.Status,
		TotalAmount:  order.TotalAmount,
		Items:        items,
	}
	if err := co.events.PublishOrderPlaced(ctx, event); err != nil {
		co.logger.Error("Failed to publish OrderPlaced event", zap.Error(err))
	}
}

func newBaseEvent(eventType string, at time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}
