package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/inventory"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceOrderTwoUnitsScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, "prod-a", 1500, 2)
	f.addToCart(t, "u1", "prod-a", 2)

	order, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, int64(3000), order.TotalAmount)
	assert.Regexp(t, `^TRK-[0-9A-F]{16}$`, order.TrackingCode)
	assert.Equal(t, 0, f.available(t, "prod-a"))

	cart, err := f.carts.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())

	view, err := f.lifecycle.GetByTracking(ctx, order.TrackingCode)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "prod-a", view.Items[0].ProductID)
	assert.Equal(t, 2, view.Items[0].Quantity)
	assert.Equal(t, int64(1500), view.Items[0].UnitPrice)

	res, ok := f.ledger.Reservation(order.ReservationID)
	require.True(t, ok)
	assert.Equal(t, models.ReservationCommitted, res.State)

	require.Len(t, f.events.placed, 1)
	assert.Equal(t, order.TrackingCode, f.events.placed[0].TrackingCode)
}

func TestPlaceOrderPendingWhenChargeDoesNotSettle(t *testing.T) {
	f := newFixture(t)
	f.checkout.cfg.SettleOnCharge = false
	f.addProduct(t, "prod-a", 100, 1)
	f.addToCart(t, "u1", "prod-a", 1)

	order, err := f.checkout.PlaceOrder(context.Background(), customer("u1"), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingConfirmation, order.Status)
	require.Len(t, order.StatusHistory, 1)
	assert.Equal(t, "u1", order.StatusHistory[0].Actor)
}

func TestPlaceOrderPaymentDeclinedRestoresStockAndCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.approve = false
	f.addProduct(t, "prod-a", 1500, 2)
	f.addToCart(t, "u1", "prod-a", 2)

	_, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPaymentFailed)

	assert.Equal(t, 2, f.available(t, "prod-a"))
	cart, _ := f.carts.GetCart(ctx, "u1")
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity)

	orders, _ := f.orders.ListOrdersByUser(ctx, "u1")
	assert.Empty(t, orders)
	require.Len(t, f.events.failed, 1)
	assert.Equal(t, string(apperr.KindPaymentFailed), f.events.failed[0].Reason)
}

func TestPlaceOrderPaymentErrorIsPaymentFailed(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = errors.New("connection reset")
	f.addProduct(t, "prod-a", 1500, 2)
	f.addToCart(t, "u1", "prod-a", 1)

	_, err := f.checkout.PlaceOrder(context.Background(), customer("u1"), "u1", "")
	assert.ErrorIs(t, err, apperr.ErrPaymentFailed)
	assert.Equal(t, 2, f.available(t, "prod-a"))
}

func TestPlaceOrderPaymentTimeoutReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.checkout.cfg.PaymentTimeout = 20 * time.Millisecond
	f.gateway.delay = time.Second
	f.addProduct(t, "prod-a", 1500, 2)
	f.addToCart(t, "u1", "prod-a", 2)

	start := time.Now()
	_, err := f.checkout.PlaceOrder(context.Background(), customer("u1"), "u1", "")
	assert.ErrorIs(t, err, apperr.ErrPaymentFailed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 2, f.available(t, "prod-a"))
}

func TestPlaceOrderSurvivesClientDisconnect(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "prod-a", 1500, 1)
	f.addToCart(t, "u1", "prod-a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	f.gateway.onCharge = cancel
	f.gateway.delay = 10 * time.Millisecond

	order, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, "prod-a"))

	res, ok := f.ledger.Reservation(order.ReservationID)
	require.True(t, ok)
	assert.Equal(t, models.ReservationCommitted, res.State)
}

func TestPlaceOrderEmptyCart(t *testing.T) {
	f := newFixture(t)

	_, err := f.checkout.PlaceOrder(context.Background(), customer("u1"), "u1", "")
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)
	assert.Zero(t, f.gateway.chargeCount())
}

func TestPlaceOrderUnavailableProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, "prod-a", 100, 5)
	f.addProduct(t, "prod-b", 100, 5)
	f.addProduct(t, "prod-c", 100, 5)
	f.addToCart(t, "u1", "prod-a", 1)
	f.addToCart(t, "u1", "prod-b", 1)
	f.addToCart(t, "u1", "prod-c", 1)
	f.catalog.Delete("prod-c")
	f.catalog.Discontinue("prod-b")

	_, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	require.ErrorIs(t, err, apperr.ErrProductUnavailable)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"prod-b", "prod-c"}, e.Products)
	assert.Equal(t, 5, f.available(t, "prod-a"))
	assert.Zero(t, f.gateway.chargeCount())
}

func TestPlaceOrderInsufficientStockNamesShortProducts(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "prod-a", 100, 5)
	f.addProduct(t, "prod-b", 100, 1)
	f.addToCart(t, "u1", "prod-a", 2)
	f.addToCart(t, "u1", "prod-b", 3)

	_, err := f.checkout.PlaceOrder(context.Background(), customer("u1"), "u1", "")
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)

	e, _ := apperr.As(err)
	require.Len(t, e.Shortages, 1)
	assert.Equal(t, apperr.Shortage{ProductID: "prod-b", Requested: 3, Available: 1}, e.Shortages[0])
	assert.Equal(t, 5, f.available(t, "prod-a"))
	assert.Zero(t, f.gateway.chargeCount())
}

func TestPlaceOrderVariantsShareStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, "shirt", 2000, 3)
	for _, color := range []string{"red", "blue"} {
		_, err := f.cartSvc.AddItem(ctx, customer("u1"), "u1", CartItemRequest{ProductID: "shirt", Size: "M", Color: color, Quantity: 2})
		require.NoError(t, err)
	}

	_, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, 3, f.available(t, "shirt"))
}

func TestPlaceOrderRequiresSelf(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "prod-a", 100, 1)
	f.addToCart(t, "u1", "prod-a", 1)

	_, err := f.checkout.PlaceOrder(context.Background(), customer("u2"), "u1", "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.checkout.PlaceOrder(context.Background(), operator(), "u1", "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.checkout.PlaceOrder(context.Background(), nil, "u1", "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	assert.Equal(t, 1, f.available(t, "prod-a"))
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	const stock, buyers = 3, 12
	f := newFixture(t)
	f.addProduct(t, "last-units", 500, stock)
	for i := 0; i < buyers; i++ {
		f.addToCart(t, userName(i), "last-units", 1)
	}

	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.checkout.PlaceOrder(context.Background(), customer(userName(i)), userName(i), "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	}
	assert.Equal(t, stock, succeeded)
	assert.Equal(t, 0, f.available(t, "last-units"))
}

func userName(i int) string {
	return "buyer-" + string(rune('a'+i))
}

func TestPlaceOrderIdempotencyKeyReturnsSameOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, "prod-a", 100, 5)
	f.addToCart(t, "u1", "prod-a", 1)

	first, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "key-1")
	require.NoError(t, err)

	f.addToCart(t, "u1", "prod-a", 2)
	again, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, f.gateway.chargeCount())
	assert.Equal(t, 4, f.available(t, "prod-a"))

	cart, _ := f.carts.GetCart(ctx, "u1")
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity)
}

func TestPlaceOrderRejectsConcurrentCheckoutForSameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, "prod-a", 100, 5)
	f.addToCart(t, "u1", "prod-a", 1)

	unlock, ok, err := f.locker.TryLock(ctx, "checkout:u1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	unlock()
	_, err = f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	assert.NoError(t, err)
}

type failingOrders struct {
	OrderRepository
	createErr error
}

func (o *failingOrders) CreateOrder(context.Context, *models.Order) error {
	return o.createErr
}

func TestPlaceOrderPersistFailureRefundsAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout.orders = &failingOrders{OrderRepository: f.orders, createErr: errors.New("disk full")}
	f.addProduct(t, "prod-a", 100, 2)
	f.addToCart(t, "u1", "prod-a", 2)

	_, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	require.ErrorIs(t, err, apperr.ErrInternal)

	assert.Equal(t, []string{"TXN-0001"}, f.gateway.refunds)
	assert.Equal(t, 2, f.available(t, "prod-a"))
	cart, _ := f.carts.GetCart(ctx, "u1")
	assert.Len(t, cart.Items, 1)
}

func TestPlaceOrderRetriesTrackingCodeCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, "prod-a", 100, 5)

	codes := []string{"TRK-SAME", "TRK-SAME", "TRK-OTHER"}
	f.checkout.newTrackingCode = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	f.addToCart(t, "u1", "prod-a", 1)
	first, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "TRK-SAME", first.TrackingCode)

	f.addToCart(t, "u2", "prod-a", 1)
	second, err := f.checkout.PlaceOrder(ctx, customer("u2"), "u2", "")
	require.NoError(t, err)
	assert.Equal(t, "TRK-OTHER", second.TrackingCode)
	assert.Equal(t, 3, f.available(t, "prod-a"))
}

func TestOrderKeepsPriceAfterCatalogChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, "prod-a", 1000, 5)
	f.addToCart(t, "u1", "prod-a", 2)

	order, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	require.NoError(t, err)

	f.catalog.SetPrice("prod-a", 9999)
	f.catalog.Discontinue("prod-a")

	view, err := f.lifecycle.GetByTracking(ctx, order.TrackingCode)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), view.TotalAmount)
	assert.Equal(t, int64(1000), view.Items[0].UnitPrice)
}

func TestNewTrackingCodeUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code := NewTrackingCode()
		assert.Len(t, code, 20)
		assert.False(t, seen[code])
		seen[code] = true
	}
}

func TestPlaceOrderKeepsLinesAddedDuringPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, "prod-a", 100, 5)
	f.addProduct(t, "prod-b", 50, 5)
	f.addToCart(t, "u1", "prod-a", 2)

	f.gateway.onCharge = func() {
		f.addToCart(t, "u1", "prod-a", 1)
		f.addToCart(t, "u1", "prod-b", 1)
	}

	order, err := f.checkout.PlaceOrder(ctx, customer("u1"), "u1", "")
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 2, order.Items[0].Quantity)
	assert.Equal(t, int64(200), order.TotalAmount)

	cart, err := f.carts.GetCart(ctx, "u1")
	require.NoError(t, err)
	quantities := map[string]int{}
	for _, it := range cart.Items {
		quantities[it.ProductID] = it.Quantity
	}
	assert.Equal(t, map[string]int{"prod-a": 1, "prod-b": 1}, quantities)
}

// releasingLedger loses the reservation between persist and commit
type releasingLedger struct {
	inventory.Ledger
}

func (l *releasingLedger) Commit(ctx context.Context, token string) error {
	if err := l.Ledger.Release(ctx, token); err != nil {
		return err
	}
	return l.Ledger.Commit(ctx, token)
}

func TestPlaceOrderCountsCommitOnReleasedReservation(t *testing.T) {
	f := newFixture(t)
	f.checkout.ledger = &releasingLedger{Ledger: f.ledger}
	f.addProduct(t, "prod-a", 100, 2)
	f.addToCart(t, "u1", "prod-a", 1)

	released := util.ReservationCommitFailuresTotal.WithLabelValues("released")
	before := testutil.ToFloat64(released)

	order, err := f.checkout.PlaceOrder(context.Background(), customer("u1"), "u1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, order.TrackingCode)
	assert.Equal(t, before+1, testutil.ToFloat64(released))

	res, ok := f.ledger.Reservation(order.ReservationID)
	require.True(t, ok)
	assert.Equal(t, models.ReservationReleased, res.State)
}
