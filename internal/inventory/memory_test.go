package inventory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func available(t *testing.T, l *MemoryLedger, productID string) int {
	t.Helper()
	n, err := l.Available(context.Background(), productID)
	require.NoError(t, err)
	return n
}

func TestReserveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.SetStock(ctx, "a", 5))
	require.NoError(t, l.SetStock(ctx, "b", 1))

	_, err := l.Reserve(ctx, []models.StockLine{
		{ProductID: "a", Quantity: 3},
		{ProductID: "b", Quantity: 2},
	})
	require.Error(t, err)

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInsufficientStock, appErr.Kind)
	assert.Equal(t, []apperr.Shortage{{ProductID: "b", Requested: 2, Available: 1}}, appErr.Shortages)

	assert.Equal(t, 5, available(t, l, "a"))
	assert.Equal(t, 1, available(t, l, "b"))
}

func TestReserveAggregatesDuplicateProducts(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.SetStock(ctx, "a", 3))

	_, err := l.Reserve(ctx, []models.StockLine{
		{ProductID: "a", Quantity: 2},
		{ProductID: "a", Quantity: 2},
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, 3, available(t, l, "a"))

	token, err := l.Reserve(ctx, []models.StockLine{
		{ProductID: "a", Quantity: 1},
		{ProductID: "a", Quantity: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, available(t, l, "a"))

	r, ok := l.Reservation(token)
	require.True(t, ok)
	assert.Equal(t, []models.StockLine{{ProductID: "a", Quantity: 3}}, r.Lines)
}

func TestReserveRejectsBadLines(t *testing.T) {
	l := NewMemoryLedger()
	_, err := l.Reserve(context.Background(), nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = l.Reserve(context.Background(), []models.StockLine{{ProductID: "a", Quantity: 0}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUnknownProductHasNoStock(t *testing.T) {
	l := NewMemoryLedger()
	_, err := l.Reserve(context.Background(), []models.StockLine{{ProductID: "ghost", Quantity: 1}})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
}

func TestReleaseRoundTripAndIdempotence(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.SetStock(ctx, "a", 4))

	token, err := l.Reserve(ctx, []models.StockLine{{ProductID: "a", Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, 1, available(t, l, "a"))

	require.NoError(t, l.Release(ctx, token))
	require.NoError(t, l.Release(ctx, token))
	require.NoError(t, l.Release(ctx, "unknown"))
	assert.Equal(t, 4, available(t, l, "a"))

	assert.ErrorIs(t, l.Commit(ctx, token), ErrReservationReleased)
	assert.ErrorIs(t, l.Commit(ctx, "unknown"), ErrReservationNotFound)
}

func TestCommitThenReleaseIsNoop(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.SetStock(ctx, "a", 2))

	token, err := l.Reserve(ctx, []models.StockLine{{ProductID: "a", Quantity: 2}})
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, token))
	require.NoError(t, l.Commit(ctx, token))
	require.NoError(t, l.Release(ctx, token))

	assert.Equal(t, 0, available(t, l, "a"))
}

func TestRestockCreditsCommittedQuantitiesOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.SetStock(ctx, "a", 5))
	require.NoError(t, l.SetStock(ctx, "b", 5))

	token, err := l.Reserve(ctx, []models.StockLine{
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 4},
	})
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, token))

	require.NoError(t, l.Restock(ctx, token))
	require.NoError(t, l.Restock(ctx, token))

	assert.Equal(t, 5, available(t, l, "a"))
	assert.Equal(t, 5, available(t, l, "b"))

	r, _ := l.Reservation(token)
	assert.Equal(t, models.ReservationRestocked, r.State)
}

func TestRestockOfUncommittedReservationReleasesIt(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.SetStock(ctx, "a", 5))

	token, err := l.Reserve(ctx, []models.StockLine{{ProductID: "a", Quantity: 2}})
	require.NoError(t, err)
	require.NoError(t, l.Restock(ctx, token))

	assert.Equal(t, 5, available(t, l, "a"))
	r, _ := l.Reservation(token)
	assert.Equal(t, models.ReservationReleased, r.State)
}

func TestStaleReservations(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.SetStock(ctx, "a", 10))

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	old, err := l.Reserve(ctx, []models.StockLine{{ProductID: "a", Quantity: 1}})
	require.NoError(t, err)
	committed, err := l.Reserve(ctx, []models.StockLine{{ProductID: "a", Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, committed))

	l.now = func() time.Time { return base.Add(time.Hour) }
	_, err = l.Reserve(ctx, []models.StockLine{{ProductID: "a", Quantity: 1}})
	require.NoError(t, err)

	stale, err := l.StaleReservations(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{old}, stale)
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	const stock, callers = 10, 50
	require.NoError(t, l.SetStock(ctx, "a", stock))
	require.NoError(t, l.SetStock(ctx, "b", stock*10))

	var wg sync.WaitGroup
	var succeeded int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lines := []models.StockLine{{ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 1}}
			if i%2 == 0 {
				lines[0], lines[1] = lines[1], lines[0]
			}
			if _, err := l.Reserve(ctx, lines); err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(stock), succeeded)
	assert.Equal(t, 0, available(t, l, "a"))
	assert.Equal(t, stock*10-stock, available(t, l, "b"))
}
