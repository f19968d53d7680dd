package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedGatewayApproves(t *testing.T) {
	g := NewSimulatedGateway(SimulatedGatewayConfig{SuccessRate: 1})

	res, err := g.Charge(context.Background(), models.ChargeRequest{UserID: "u1", Amount: 500})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Regexp(t, `^TXN-[0-9a-f]{8}$`, res.TransactionID)

	require.NoError(t, g.Refund(context.Background(), res.TransactionID))
	require.NoError(t, g.Refund(context.Background(), res.TransactionID))
	assert.True(t, g.Refunded(res.TransactionID))
}

func TestSimulatedGatewayDeclines(t *testing.T) {
	g := NewSimulatedGateway(SimulatedGatewayConfig{SuccessRate: 0})

	res, err := g.Charge(context.Background(), models.ChargeRequest{UserID: "u1", Amount: 500})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.NotEmpty(t, res.DeclineReason)
	assert.Empty(t, res.TransactionID)
}

func TestSimulatedGatewayHonoursDeadline(t *testing.T) {
	g := NewSimulatedGateway(SimulatedGatewayConfig{SuccessRate: 1, MinDelay: time.Second, MaxDelay: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.Charge(ctx, models.ChargeRequest{UserID: "u1", Amount: 500})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSimulatedGatewayRefundUnknown(t *testing.T) {
	g := NewSimulatedGateway(SimulatedGatewayConfig{SuccessRate: 1})
	assert.Error(t, g.Refund(context.Background(), "TXN-nope"))
}
