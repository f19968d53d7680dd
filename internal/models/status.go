package models

// OrderStatus is a state of the order lifecycle
type OrderStatus string

// Order statuses
const (
	OrderStatusPendingConfirmation OrderStatus = "PENDING_CONFIRMATION"
	OrderStatusPaid                OrderStatus = "PAID"
	OrderStatusProcessing          OrderStatus = "PROCESSING"
	OrderStatusShipped             OrderStatus = "SHIPPED"
	OrderStatusDelivered           OrderStatus = "DELIVERED"
	OrderStatusCancelled           OrderStatus = "CANCELLED"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPendingConfirmation: {OrderStatusPaid: true, OrderStatusCancelled: true},
	OrderStatusPaid:                {OrderStatusProcessing: true, OrderStatusCancelled: true},
	OrderStatusProcessing:          {OrderStatusShipped: true},
	OrderStatusShipped:             {OrderStatusDelivered: true},
	OrderStatusDelivered:           {},
	OrderStatusCancelled:           {},
}

// AllStatuses lists every lifecycle state in forward order, cancellation last
var AllStatuses = []OrderStatus{
	OrderStatusPendingConfirmation,
	OrderStatusPaid,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// Valid reports whether s names a known status
func (s OrderStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal reports whether no transition may leave s
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransition reports whether to is a legal next state of from
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}
