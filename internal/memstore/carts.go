// Package memstore keeps carts, orders and the catalog in process memory.
// It backs LEDGER_BACKEND=memory deployments and the service tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"checkout-service/internal/models"
)

// CartStore holds one cart per user
type CartStore struct {
	mu    sync.Mutex
	carts map[string][]models.CartItem
	now   func() time.Time
}

// NewCartStore creates a new in-memory cart store
func NewCartStore() *CartStore {
	return &CartStore{
		carts: make(map[string][]models.CartItem),
		now:   time.Now,
	}
}

// GetCart returns a copy of the user's cart
func (s *CartStore) GetCart(_ context.Context, userID string) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.carts[userID]
	cart := &models.Cart{UserID: userID, Items: make([]models.CartItem, len(items))}
	copy(cart.Items, items)
	for _, it := range items {
		if it.AddedAt.After(cart.UpdatedAt) {
			cart.UpdatedAt = it.AddedAt
		}
	}
	return cart, nil
}

// AddCartItem appends a line or merges into the matching one
func (s *CartStore) AddCartItem(_ context.Context, userID string, item models.CartItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.carts[userID]
	for i := range items {
		if items[i].SameLine(item.ProductID, item.Variant) {
			items[i].Quantity += item.Quantity
			return nil
		}
	}
	item.AddedAt = s.now()
	s.carts[userID] = append(items, item)
	return nil
}

// UpdateCartItem sets the quantity of an existing line
func (s *CartStore) UpdateCartItem(_ context.Context, userID, productID string, variant models.VariantKey, quantity int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.carts[userID]
	for i := range items {
		if items[i].SameLine(productID, variant) {
			items[i].Quantity = quantity
			return true, nil
		}
	}
	return false, nil
}

// RemoveCartItem deletes one line
func (s *CartStore) RemoveCartItem(_ context.Context, userID, productID string, variant models.VariantKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.carts[userID]
	for i := range items {
		if items[i].SameLine(productID, variant) {
			s.carts[userID] = append(items[:i:i], items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ClearCart empties the user's cart
func (s *CartStore) ClearCart(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, userID)
	return nil
}

// RemoveOrderedLines subtracts the ordered quantities from matching lines
func (s *CartStore) RemoveOrderedLines(_ context.Context, userID string, ordered []models.CartItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.carts[userID]
	for _, o := range ordered {
		for i := range items {
			if items[i].SameLine(o.ProductID, o.Variant) {
				items[i].Quantity -= o.Quantity
				break
			}
		}
	}

	kept := items[:0]
	for _, it := range items {
		if it.Quantity > 0 {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		delete(s.carts, userID)
		return nil
	}
	s.carts[userID] = kept
	return nil
}
