package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

type idempotencyIndex struct {
	userID string
	key    string
}

// OrderStore keeps orders with the same uniqueness rules as the orders table
type OrderStore struct {
	mu            sync.RWMutex
	byID          map[string]*models.Order
	byTracking    map[string]string
	byReservation map[string]string
	byIdempotency map[idempotencyIndex]string
}

// NewOrderStore creates a new in-memory order store
func NewOrderStore() *OrderStore {
	return &OrderStore{
		byID:          make(map[string]*models.Order),
		byTracking:    make(map[string]string),
		byReservation: make(map[string]string),
		byIdempotency: make(map[idempotencyIndex]string),
	}
}

// CreateOrder stores a copy of order; any unique collision is store.ErrDuplicate
func (s *OrderStore) CreateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idem := idempotencyIndex{userID: order.UserID, key: order.IdempotencyKey}
	if _, ok := s.byID[order.ID]; ok {
		return fmt.Errorf("create order %s: %w", order.ID, store.ErrDuplicate)
	}
	if _, ok := s.byTracking[order.TrackingCode]; ok {
		return fmt.Errorf("create order %s: %w", order.TrackingCode, store.ErrDuplicate)
	}
	if _, ok := s.byReservation[order.ReservationID]; ok {
		return fmt.Errorf("create order for reservation %s: %w", order.ReservationID, store.ErrDuplicate)
	}
	if order.IdempotencyKey != "" {
		if _, ok := s.byIdempotency[idem]; ok {
			return fmt.Errorf("create order with key %s: %w", order.IdempotencyKey, store.ErrDuplicate)
		}
	}

	s.byID[order.ID] = order.Clone()
	s.byTracking[order.TrackingCode] = order.ID
	s.byReservation[order.ReservationID] = order.ID
	if order.IdempotencyKey != "" {
		s.byIdempotency[idem] = order.ID
	}
	return nil
}

func (s *OrderStore) lookup(index map[string]string, key string) *models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := index[key]; ok {
		return s.byID[id].Clone()
	}
	return nil
}

// GetOrderByTracking returns nil when no order has the code
func (s *OrderStore) GetOrderByTracking(_ context.Context, code string) (*models.Order, error) {
	return s.lookup(s.byTracking, code), nil
}

// GetOrderByReservation returns nil when no order was created from the reservation
func (s *OrderStore) GetOrderByReservation(_ context.Context, reservationID string) (*models.Order, error) {
	return s.lookup(s.byReservation, reservationID), nil
}

// GetOrderByIdempotencyKey returns nil when the key has not produced an order
func (s *OrderStore) GetOrderByIdempotencyKey(_ context.Context, userID, key string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byIdempotency[idempotencyIndex{userID: userID, key: key}]; ok {
		return s.byID[id].Clone(), nil
	}
	return nil, nil
}

// ListOrdersByUser returns the user's orders, newest first
func (s *OrderStore) ListOrdersByUser(_ context.Context, userID string) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]models.Order, 0)
	for _, o := range s.byID {
		if o.UserID == userID {
			orders = append(orders, *o.Clone())
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// UpdateOrderStatus is a compare-and-set on the current status
func (s *OrderStore) UpdateOrderStatus(_ context.Context, orderID string, from models.OrderStatus, change models.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byID[orderID]
	if !ok || o.Status != from {
		return store.ErrStaleStatus
	}
	o.Status = change.To
	o.UpdatedAt = change.At
	o.StatusHistory = append(o.StatusHistory, change)
	return nil
}
