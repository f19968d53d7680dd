package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SimulatedGatewayConfig tunes the mocked payment provider
type SimulatedGatewayConfig struct {
	SuccessRate float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// SimulatedGateway handles payment processing (mocked)
type SimulatedGateway struct {
	cfg    SimulatedGatewayConfig
	logger *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	charges  map[string]int64
	refunded map[string]bool
}

// NewSimulatedGateway creates a new simulated payment gateway
func NewSimulatedGateway(cfg SimulatedGatewayConfig) *SimulatedGateway {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &SimulatedGateway{
		cfg:      cfg,
		logger:   util.GetLogger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		charges:  make(map[string]int64),
		refunded: make(map[string]bool),
	}
}

func (g *SimulatedGateway) roll() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delay := g.cfg.MinDelay
	if spread := g.cfg.MaxDelay - g.cfg.MinDelay; spread > 0 {
		delay += time.Duration(g.rng.Int63n(int64(spread) + 1))
	}
	return delay, g.rng.Float64() < g.cfg.SuccessRate
}

// Charge waits for the simulated provider and approves with the configured rate
func (g *SimulatedGateway) Charge(ctx context.Context, req models.ChargeRequest) (models.ChargeResult, error) {
	ctx, span := util.StartSpan(ctx, "SimulatedGateway.Charge")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	g.logger.Info("Processing payment",
		zap.String("user_id", req.UserID),
		zap.String("reservation_id", req.ReservationID),
		zap.Int64("amount", req.Amount))

	delay, success := g.roll()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		util.PaymentFailedTotal.Inc()
		return models.ChargeResult{}, fmt.Errorf("payment provider did not answer: %w", ctx.Err())
	case <-timer.C:
	}

	if !success {
		util.PaymentFailedTotal.Inc()
		g.logger.Warn("Payment declined", zap.String("user_id", req.UserID))
		return models.ChargeResult{Approved: false, DeclineReason: "mock_payment_declined"}, nil
	}

	txID := fmt.Sprintf("TXN-%s", uuid.New().String()[:8])
	g.mu.Lock()
	g.charges[txID] = req.Amount
	g.mu.Unlock()

	util.PaymentSuccessTotal.Inc()
	g.logger.Info("Payment succeeded",
		zap.String("user_id", req.UserID),
		zap.String("tx_id", txID))

	return models.ChargeResult{Approved: true, TransactionID: txID}, nil
}

// Refund reverses an approved charge; refunding twice is a no-op
func (g *SimulatedGateway) Refund(ctx context.Context, transactionID string) error {
	_, span := util.StartSpan(ctx, "SimulatedGateway.Refund")
	defer span.End()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.charges[transactionID]; !ok {
		return fmt.Errorf("unknown transaction %s", transactionID)
	}
	if !g.refunded[transactionID] {
		g.refunded[transactionID] = true
		util.PaymentRefundsTotal.Inc()
		g.logger.Info("Payment refunded", zap.String("tx_id", transactionID))
	}
	return nil
}

// Refunded reports whether transactionID was refunded
func (g *SimulatedGateway) Refunded(transactionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[transactionID]
}
