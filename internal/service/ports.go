package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
)

// CartRepository persists one cart per user. Update and Remove report
// whether the line existed. RemoveOrderedLines subtracts checked-out
// quantities and drops lines that reach zero, leaving later additions alone.
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (*models.Cart, error)
	AddCartItem(ctx context.Context, userID string, item models.CartItem) error
	UpdateCartItem(ctx context.Context, userID, productID string, variant models.VariantKey, quantity int) (bool, error)
	RemoveCartItem(ctx context.Context, userID, productID string, variant models.VariantKey) (bool, error)
	ClearCart(ctx context.Context, userID string) error
	RemoveOrderedLines(ctx context.Context, userID string, ordered []models.CartItem) error
}

// OrderRepository persists orders. Lookups return (nil, nil) when nothing
// matches; CreateOrder fails with store.ErrDuplicate on a unique collision and
// UpdateOrderStatus with store.ErrStaleStatus when the order left from.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByTracking(ctx context.Context, code string) (*models.Order, error)
	GetOrderByReservation(ctx context.Context, reservationID string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from models.OrderStatus, change models.StatusChange) error
}

// Catalog supplies current prices; unknown ids are absent from the result
type Catalog interface {
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
}

// PaymentGateway is the external charge collaborator
type PaymentGateway interface {
	Charge(ctx context.Context, req models.ChargeRequest) (models.ChargeResult, error)
	Refund(ctx context.Context, transactionID string) error
}

// Locker grants expiring named locks
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), acquired bool, err error)
}

// TrackingCache caches the public order view by tracking code. SetTracking
// never replaces a view with an older version of it.
type TrackingCache interface {
	GetTracking(ctx context.Context, code string) (*models.PublicOrder, bool, error)
	SetTracking(ctx context.Context, view *models.PublicOrder) (bool, error)
	InvalidateTracking(ctx context.Context, code string) error
}

// EventPublisher emits domain events; failures are logged, never fatal
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishCheckoutFailed(ctx context.Context, event *models.CheckoutFailedEvent) error
}
