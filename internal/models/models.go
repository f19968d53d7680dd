package models

import (
	"fmt"
	"time"
)

// Product represents a product in the catalog
type Product struct {
	ID           string    `db:"id" json:"id"`
	SKU          string    `db:"sku" json:"sku"`
	Name         string    `db:"name" json:"name"`
	Price        int64     `db:"price" json:"price"`
	Discontinued bool      `db:"discontinued" json:"discontinued"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Inventory represents product stock
type Inventory struct {
	ProductID string    `db:"product_id" json:"product_id"`
	Available int       `db:"available" json:"available"`
	Reserved  int       `db:"reserved" json:"reserved"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// VariantKey identifies a purchasable variant of a product
type VariantKey struct {
	Size  string `db:"size" json:"size"`
	Color string `db:"color" json:"color"`
}

func (v VariantKey) String() string {
	return fmt.Sprintf("%s/%s", v.Size, v.Color)
}

// CartItem is one line of a user's cart
type CartItem struct {
	ProductID string     `db:"product_id" json:"product_id"`
	Variant   VariantKey `db:"-" json:"variant"`
	Quantity  int        `db:"quantity" json:"quantity"`
	AddedAt   time.Time  `db:"added_at" json:"added_at"`
}

// SameLine reports whether two items refer to the same product variant
func (ci CartItem) SameLine(productID string, variant VariantKey) bool {
	return ci.ProductID == productID && ci.Variant == variant
}

// Cart holds a user's pending selections
type Cart struct {
	UserID    string     `json:"user_id"`
	Items     []CartItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsEmpty reports whether the cart has no lines
func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

// Order represents a placed customer order
type Order struct {
	ID             string         `db:"id" json:"id"`
	TrackingCode   string         `db:"tracking_code" json:"tracking_code"`
	UserID         string         `db:"user_id" json:"user_id"`
	TotalAmount    int64          `db:"total_amount" json:"total_amount"`
	Status         OrderStatus    `db:"status" json:"status"`
	ReservationID  string         `db:"reservation_id" json:"-"`
	PaymentTxID    string         `db:"payment_tx_id" json:"payment_tx_id,omitempty"`
	IdempotencyKey string         `db:"idempotency_key" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
	Items          []OrderItem    `db:"-" json:"items"`
	StatusHistory  []StatusChange `db:"-" json:"status_history"`
}

// OrderItem is a priced snapshot of a cart line taken at checkout
type OrderItem struct {
	ProductID string     `db:"product_id" json:"product_id"`
	Variant   VariantKey `db:"-" json:"variant"`
	Quantity  int        `db:"quantity" json:"quantity"`
	UnitPrice int64      `db:"unit_price" json:"unit_price"`
}

// StatusChange is one entry of an order's status history
type StatusChange struct {
	From  OrderStatus `db:"from_status" json:"from,omitempty"`
	To    OrderStatus `db:"to_status" json:"to"`
	Actor string      `db:"actor" json:"actor"`
	Role  string      `db:"actor_role" json:"role"`
	At    time.Time   `db:"changed_at" json:"at"`
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.StatusHistory = append([]StatusChange(nil), o.StatusHistory...)
	return &c
}

// PublicOrder is the view of an order safe to show to anyone holding the tracking code
type PublicOrder struct {
	TrackingCode  string               `json:"tracking_code"`
	Status        OrderStatus          `json:"status"`
	TotalAmount   int64                `json:"total_amount"`
	CreatedAt     time.Time            `json:"created_at"`
	Items         []OrderItem          `json:"items"`
	StatusHistory []PublicStatusChange `json:"status_history"`
}

// PublicStatusChange omits the acting identity
type PublicStatusChange struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
}

// Version grows with every status change; caches keep the highest one
func (p *PublicOrder) Version() int {
	return len(p.StatusHistory)
}

// Public projects the order onto its public view
func (o *Order) Public() *PublicOrder {
	history := make([]PublicStatusChange, 0, len(o.StatusHistory))
	for _, h := range o.StatusHistory {
		history = append(history, PublicStatusChange{Status: h.To, At: h.At})
	}
	return &PublicOrder{
		TrackingCode:  o.TrackingCode,
		Status:        o.Status,
		TotalAmount:   o.TotalAmount,
		CreatedAt:     o.CreatedAt,
		Items:         append([]OrderItem(nil), o.Items...),
		StatusHistory: history,
	}
}

// StockLine is a (product, quantity) pair debited from the ledger
type StockLine struct {
	ProductID string `db:"product_id" json:"product_id"`
	Quantity  int    `db:"quantity" json:"quantity"`
}

// Reservation states
const (
	ReservationReserved  = "RESERVED"
	ReservationCommitted = "COMMITTED"
	ReservationReleased  = "RELEASED"
	ReservationRestocked = "RESTOCKED"
)

// Reservation records the debits applied for one checkout attempt
type Reservation struct {
	ID        string      `db:"id" json:"id"`
	State     string      `db:"state" json:"state"`
	Lines     []StockLine `db:"-" json:"lines"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// ChargeRequest is sent to the payment collaborator
type ChargeRequest struct {
	UserID        string `json:"user_id"`
	ReservationID string `json:"reservation_id"`
	Amount        int64  `json:"amount"`
}

// ChargeResult is the collaborator's verdict on a charge
type ChargeResult struct {
	Approved      bool   `json:"approved"`
	TransactionID string `json:"transaction_id,omitempty"`
	DeclineReason string `json:"decline_reason,omitempty"`
}
