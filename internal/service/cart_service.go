package service

import (
	"context"
	"strings"

	"checkout-service/internal/apperr"
	"checkout-service/internal/auth"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// CartService guards and validates cart mutations
type CartService struct {
	carts  CartRepository
	logger *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(carts CartRepository) *CartService {
	return &CartService{
		carts:  carts,
		logger: util.GetLogger(),
	}
}

// CartItemRequest identifies a cart line and the wanted quantity
type CartItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Size      string `json:"size"`
	Color     string `json:"color"`
	Quantity  int    `json:"quantity"`
}

func (r CartItemRequest) variant() models.VariantKey {
	return models.VariantKey{Size: strings.TrimSpace(r.Size), Color: strings.TrimSpace(r.Color)}
}

func (r CartItemRequest) validate(needQuantity bool) error {
	if strings.TrimSpace(r.ProductID) == "" {
		return apperr.Validation("product_id is required")
	}
	if needQuantity && r.Quantity <= 0 {
		return apperr.Validation("quantity must be greater than zero, got %d", r.Quantity)
	}
	return nil
}

// GetCart returns the cart of userID to its owner or an operator
func (s *CartService) GetCart(ctx context.Context, caller *auth.Identity, userID string) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetCart")
	defer span.End()

	if err := auth.RequireSelfOrOperator(caller, userID); err != nil {
		return nil, err
	}
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to load cart", err)
	}
	return cart, nil
}

// AddItem adds a line, merging with an identical (product, variant) line
func (s *CartService) AddItem(ctx context.Context, caller *auth.Identity, userID string, req CartItemRequest) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem")
	defer span.End()

	if err := auth.RequireSelf(caller, userID); err != nil {
		return nil, err
	}
	if err := req.validate(true); err != nil {
		return nil, err
	}

	item := models.CartItem{
		ProductID: strings.TrimSpace(req.ProductID),
		Variant:   req.variant(),
		Quantity:  req.Quantity,
	}
	if err := s.carts.AddCartItem(ctx, userID, item); err != nil {
		return nil, apperr.Internal("failed to add cart item", err)
	}

	s.logger.Debug("Cart item added",
		zap.String("user_id", userID),
		zap.String("product_id", item.ProductID),
		zap.Int("quantity", item.Quantity))
	return s.reload(ctx, userID)
}

// UpdateQuantity sets the quantity of an existing line
func (s *CartService) UpdateQuantity(ctx context.Context, caller *auth.Identity, userID string, req CartItemRequest) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpdateQuantity")
	defer span.End()

	if err := auth.RequireSelf(caller, userID); err != nil {
		return nil, err
	}
	if err := req.validate(true); err != nil {
		return nil, err
	}

	found, err := s.carts.UpdateCartItem(ctx, userID, strings.TrimSpace(req.ProductID), req.variant(), req.Quantity)
	if err != nil {
		return nil, apperr.Internal("failed to update cart item", err)
	}
	if !found {
		return nil, apperr.NotFound("cart has no line for product %s variant %s", req.ProductID, req.variant())
	}
	return s.reload(ctx, userID)
}

// RemoveItem deletes a line
func (s *CartService) RemoveItem(ctx context.Context, caller *auth.Identity, userID string, req CartItemRequest) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveItem")
	defer span.End()

	if err := auth.RequireSelf(caller, userID); err != nil {
		return nil, err
	}
	if err := req.validate(false); err != nil {
		return nil, err
	}

	found, err := s.carts.RemoveCartItem(ctx, userID, strings.TrimSpace(req.ProductID), req.variant())
	if err != nil {
		return nil, apperr.Internal("failed to remove cart item", err)
	}
	if !found {
		return nil, apperr.NotFound("cart has no line for product %s variant %s", req.ProductID, req.variant())
	}
	return s.reload(ctx, userID)
}

// Clear empties the caller's own cart
func (s *CartService) Clear(ctx context.Context, caller *auth.Identity, userID string) error {
	ctx, span := util.StartSpan(ctx, "CartService.Clear")
	defer span.End()

	if err := auth.RequireSelf(caller, userID); err != nil {
		return err
	}
	if err := s.carts.ClearCart(ctx, userID); err != nil {
		return apperr.Internal("failed to clear cart", err)
	}
	return nil
}

func (s *CartService) reload(ctx context.Context, userID string) (*models.Cart, error) {
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to load cart", err)
	}
	return cart, nil
}
