package memstore

import (
	"context"
	"sync"
	"time"

	"checkout-service/internal/models"
)

// Catalog is a product table keyed by id
type Catalog struct {
	mu       sync.RWMutex
	products map[string]models.Product
}

// NewCatalog creates a catalog seeded with products
func NewCatalog(products ...models.Product) *Catalog {
	c := &Catalog{products: make(map[string]models.Product, len(products))}
	for _, p := range products {
		c.Upsert(p)
	}
	return c
}

// Upsert creates or replaces a product
func (c *Catalog) Upsert(p models.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	c.products[p.ID] = p
}

// SetPrice changes the catalog price of an existing product
func (c *Catalog) SetPrice(productID string, price int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.products[productID]; ok {
		p.Price = price
		c.products[productID] = p
	}
}

// Discontinue flags a product as no longer sold
func (c *Catalog) Discontinue(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.products[productID]; ok {
		p.Discontinued = true
		c.products[productID] = p
	}
}

// Delete removes a product entirely
func (c *Catalog) Delete(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, productID)
}

// GetProductsByIDs returns the known products among ids
func (c *Catalog) GetProductsByIDs(_ context.Context, ids []string) ([]models.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetProducts returns every product
func (c *Catalog) GetProducts(_ context.Context) ([]models.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	return out, nil
}
