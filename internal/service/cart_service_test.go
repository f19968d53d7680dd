package service

import (
	"context"
	"testing"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartServiceAddMergesLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := CartItemRequest{ProductID: "prod-a", Size: "M", Color: "red", Quantity: 1}

	_, err := f.cartSvc.AddItem(ctx, customer("u1"), "u1", req)
	require.NoError(t, err)
	req.Quantity = 2
	cart, err := f.cartSvc.AddItem(ctx, customer("u1"), "u1", req)
	require.NoError(t, err)

	require.Len(t, cart.Items, 1)
	assert.Equal(t, 3, cart.Items[0].Quantity)
	assert.Equal(t, models.VariantKey{Size: "M", Color: "red"}, cart.Items[0].Variant)
}

func TestCartServiceRejectsBadQuantities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, qty := range []int{0, -1} {
		_, err := f.cartSvc.AddItem(ctx, customer("u1"), "u1", CartItemRequest{ProductID: "prod-a", Quantity: qty})
		assert.ErrorIs(t, err, apperr.ErrValidation)

		_, err = f.cartSvc.UpdateQuantity(ctx, customer("u1"), "u1", CartItemRequest{ProductID: "prod-a", Quantity: qty})
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}

	_, err := f.cartSvc.AddItem(ctx, customer("u1"), "u1", CartItemRequest{ProductID: " ", Quantity: 1})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCartServiceUpdateAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addToCart(t, "u1", "prod-a", 1)

	cart, err := f.cartSvc.UpdateQuantity(ctx, customer("u1"), "u1", CartItemRequest{ProductID: "prod-a", Quantity: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, cart.Items[0].Quantity)

	_, err = f.cartSvc.UpdateQuantity(ctx, customer("u1"), "u1", CartItemRequest{ProductID: "prod-a", Size: "XL", Quantity: 1})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.cartSvc.RemoveItem(ctx, customer("u1"), "u1", CartItemRequest{ProductID: "prod-b"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	cart, err = f.cartSvc.RemoveItem(ctx, customer("u1"), "u1", CartItemRequest{ProductID: "prod-a"})
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())
}

func TestCartServiceAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addToCart(t, "u1", "prod-a", 1)
	req := CartItemRequest{ProductID: "prod-a", Quantity: 1}

	_, err := f.cartSvc.AddItem(ctx, nil, "u1", req)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.cartSvc.AddItem(ctx, customer("u2"), "u1", req)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.cartSvc.GetCart(ctx, customer("u2"), "u1")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	// operators may look but not touch
	cart, err := f.cartSvc.GetCart(ctx, operator(), "u1")
	require.NoError(t, err)
	assert.Len(t, cart.Items, 1)

	err = f.cartSvc.Clear(ctx, operator(), "u1")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	require.NoError(t, f.cartSvc.Clear(ctx, customer("u1"), "u1"))
	cart, err = f.cartSvc.GetCart(ctx, customer("u1"), "u1")
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())
}
