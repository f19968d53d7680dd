package service

import (
	"context"
	"errors"
	"testing"

	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStock []models.Inventory

func (s staticStock) ListInventory(context.Context) ([]models.Inventory, error) {
	return s, nil
}

type mapSink struct {
	rows map[string][2]int
	fail string
}

func (m *mapSink) InitInventory(_ context.Context, productID string, available, reserved int) (bool, error) {
	if productID == m.fail {
		return false, errors.New("redis down")
	}
	if _, ok := m.rows[productID]; ok {
		return false, nil
	}
	m.rows[productID] = [2]int{available, reserved}
	return true, nil
}

func TestSyncInventoryToRedisSeedsOnlyNewProducts(t *testing.T) {
	source := staticStock{
		{ProductID: "prod-a", Available: 5},
		{ProductID: "prod-b", Available: 7, Reserved: 1},
		{ProductID: "prod-c", Available: 2},
	}
	sink := &mapSink{rows: map[string][2]int{"prod-a": {1, 0}}, fail: "prod-c"}

	seeded, err := NewInventorySync(source, sink).SyncInventoryToRedis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, seeded)
	assert.Equal(t, [2]int{1, 0}, sink.rows["prod-a"])
	assert.Equal(t, [2]int{7, 1}, sink.rows["prod-b"])
}
