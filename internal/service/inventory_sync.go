package service

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// StockSource lists the authoritative stock rows
type StockSource interface {
	ListInventory(ctx context.Context) ([]models.Inventory, error)
}

// StockSink accepts a stock row unless it already has one
type StockSink interface {
	InitInventory(ctx context.Context, productID string, available, reserved int) (bool, error)
}

// InventorySync copies database stock into the Redis ledger at boot
type InventorySync struct {
	source StockSource
	sink   StockSink
	logger *zap.Logger
}

// NewInventorySync creates a new inventory sync
func NewInventorySync(source StockSource, sink StockSink) *InventorySync {
	return &InventorySync{
		source: source,
		sink:   sink,
		logger: util.GetLogger(),
	}
}

// SyncInventoryToRedis seeds products Redis does not know yet; existing
// counters are left alone because Redis is authoritative once seeded.
func (s *InventorySync) SyncInventoryToRedis(ctx context.Context) (int, error) {
	s.logger.Info("Starting inventory sync to Redis")

	rows, err := s.source.ListInventory(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list inventory: %w", err)
	}

	seeded := 0
	for _, inv := range rows {
		created, err := s.sink.InitInventory(ctx, inv.ProductID, inv.Available, inv.Reserved)
		if err != nil {
			s.logger.Error("Failed to init Redis inventory",
				zap.String("product_id", inv.ProductID),
				zap.Error(err))
			continue
		}
		if created {
			seeded++
		}
	}

	s.logger.Info("Inventory sync completed",
		zap.Int("count", len(rows)),
		zap.Int("seeded", seeded))
	return seeded, nil
}
