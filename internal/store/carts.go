package store

import (
	"context"
	"time"

	"checkout-service/internal/models"
)

type cartItemRow struct {
	ProductID string    `db:"product_id"`
	Size      string    `db:"size"`
	Color     string    `db:"color"`
	Quantity  int       `db:"quantity"`
	AddedAt   time.Time `db:"added_at"`
}

// GetCart returns the user's cart; a user without lines gets an empty cart
func (s *Store) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	var rows []cartItemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT product_id, size, color, quantity, added_at
		FROM cart_items WHERE user_id = $1
		ORDER BY added_at, product_id, size, color`, userID)
	if err != nil {
		return nil, err
	}

	cart := &models.Cart{UserID: userID, Items: make([]models.CartItem, 0, len(rows))}
	for _, r := range rows {
		cart.Items = append(cart.Items, models.CartItem{
			ProductID: r.ProductID,
			Variant:   models.VariantKey{Size: r.Size, Color: r.Color},
			Quantity:  r.Quantity,
			AddedAt:   r.AddedAt,
		})
		if r.AddedAt.After(cart.UpdatedAt) {
			cart.UpdatedAt = r.AddedAt
		}
	}
	return cart, nil
}

// AddCartItem inserts a line or merges its quantity into the existing one
func (s *Store) AddCartItem(ctx context.Context, userID string, item models.CartItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_items (user_id, product_id, size, color, quantity, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, product_id, size, color)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		userID, item.ProductID, item.Variant.Size, item.Variant.Color, item.Quantity, s.now())
	return err
}

// UpdateCartItem sets the quantity of an existing line
func (s *Store) UpdateCartItem(ctx context.Context, userID, productID string, variant models.VariantKey, quantity int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cart_items SET quantity = $1
		WHERE user_id = $2 AND product_id = $3 AND size = $4 AND color = $5`,
		quantity, userID, productID, variant.Size, variant.Color)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveCartItem deletes one line
func (s *Store) RemoveCartItem(ctx context.Context, userID, productID string, variant models.VariantKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cart_items
		WHERE user_id = $1 AND product_id = $2 AND size = $3 AND color = $4`,
		userID, productID, variant.Size, variant.Color)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearCart removes every line of the user's cart
func (s *Store) ClearCart(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID)
	return err
}

// RemoveOrderedLines deletes the lines an order used up and subtracts the
// ordered quantity from the ones that grew since, in one transaction
func (s *Store) RemoveOrderedLines(ctx context.Context, userID string, ordered []models.CartItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, o := range ordered {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM cart_items
			WHERE user_id = $1 AND product_id = $2 AND size = $3 AND color = $4 AND quantity <= $5`,
			userID, o.ProductID, o.Variant.Size, o.Variant.Color, o.Quantity)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE cart_items SET quantity = quantity - $1
			WHERE user_id = $2 AND product_id = $3 AND size = $4 AND color = $5`,
			o.Quantity, userID, o.ProductID, o.Variant.Size, o.Variant.Color)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
