package models

import "time"

// Event types
const (
	EventTypeOrderPlaced        = "ORDER_PLACED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeCheckoutFailed     = "CHECKOUT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published when checkout persists an order
type OrderPlacedEvent struct {
	BaseEvent
	OrderID      string          `json:"order_id"`
	TrackingCode string          `json:"tracking_code"`
	UserID       string          `json:"user_id"`
	Status       OrderStatus     `json:"status"`
	TotalAmount  int64           `json:"total_amount"`
	Items        []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published on every lifecycle transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID       string      `json:"order_id"`
	TrackingCode  string      `json:"tracking_code"`
	ReservationID string      `json:"reservation_id"`
	From          OrderStatus `json:"from"`
	To            OrderStatus `json:"to"`
	Actor         string      `json:"actor"`
}

// CheckoutFailedEvent published when a checkout attempt ends without an order
type CheckoutFailedEvent struct {
	BaseEvent
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
	Amount int64  `json:"amount"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}
