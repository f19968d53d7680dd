package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/inventory"
	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

//go:embed scripts/restock.lua
var restockScript string

//go:embed scripts/unlock.lua
var unlockScript string

//go:embed scripts/set_tracking.lua
var setTrackingScript string

const (
	inventoryPrefix   = "inventory:"
	reservationPrefix = "reservation:"
	outstandingKey    = "reservations:outstanding"
	trackingPrefix    = "order_tracking:"
)

// TTLTracking bounds how long a public tracking view may be served from cache
var TTLTracking = 5 * time.Minute

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
	restockScript *redis.Script
	unlockScript  *redis.Script
	trackScript   *redis.Script
	now           func() time.Time
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
		restockScript: redis.NewScript(restockScript),
		unlockScript:  redis.NewScript(unlockScript),
		trackScript:   redis.NewScript(setTrackingScript),
		now:           time.Now,
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID string) string {
	return inventoryPrefix + productID
}

func reservationKey(token string) string {
	return reservationPrefix + token
}

// Reserve atomically debits every line or none, using one Lua script run
func (c *Client) Reserve(ctx context.Context, lines []models.StockLine) (string, error) {
	agg, err := inventory.AggregateLines(lines)
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	keys := make([]string, 0, len(agg)+2)
	keys = append(keys, reservationKey(token), outstandingKey)
	args := make([]interface{}, 0, 2*len(agg)+2)
	args = append(args, token, c.now().UnixMilli())
	for _, line := range agg {
		keys = append(keys, inventoryKey(line.ProductID))
		args = append(args, line.Quantity, line.ProductID)
	}

	result, err := c.reserveScript.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return "", fmt.Errorf("reserve stock script failed: %w", err)
	}

	reply, ok := result.([]interface{})
	if !ok || len(reply) == 0 {
		return "", fmt.Errorf("unexpected script result type")
	}

	switch reply[0].(int64) {
	case 1:
		return token, nil
	case -1:
		return "", fmt.Errorf("reservation token %s already in use", token)
	}

	var shortages []apperr.Shortage
	for i := 1; i+1 < len(reply); i += 2 {
		idx := int(reply[i].(int64)) - 1
		have := int(reply[i+1].(int64))
		shortages = append(shortages, apperr.Shortage{
			ProductID: agg[idx].ProductID,
			Requested: agg[idx].Quantity,
			Available: have,
		})
	}
	return "", apperr.InsufficientStock(shortages)
}

func (c *Client) runTokenScript(ctx context.Context, script *redis.Script, token string) (int64, error) {
	return script.Run(ctx, c.rdb,
		[]string{reservationKey(token), outstandingKey},
		token, inventoryPrefix,
	).Int64()
}

// Commit marks a reservation consumed (reserved counters drop, available is untouched)
func (c *Client) Commit(ctx context.Context, token string) error {
	n, err := c.runTokenScript(ctx, c.commitScript, token)
	if err != nil {
		return fmt.Errorf("commit stock script failed: %w", err)
	}
	switch n {
	case -1:
		return fmt.Errorf("commit %s: %w", token, inventory.ErrReservationNotFound)
	case -2:
		return fmt.Errorf("commit %s: %w", token, inventory.ErrReservationReleased)
	}
	return nil
}

// Release credits back an uncommitted reservation (compensation)
func (c *Client) Release(ctx context.Context, token string) error {
	if _, err := c.runTokenScript(ctx, c.releaseScript, token); err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}
	return nil
}

// Restock credits back a committed reservation
func (c *Client) Restock(ctx context.Context, token string) error {
	if _, err := c.runTokenScript(ctx, c.restockScript, token); err != nil {
		return fmt.Errorf("restock script failed: %w", err)
	}
	return nil
}

// Available returns the available count, 0 for unknown products
func (c *Client) Available(ctx context.Context, productID string) (int, error) {
	n, err := c.rdb.HGet(ctx, inventoryKey(productID), "available").Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// StaleReservations lists outstanding tokens created before olderThan
func (c *Client) StaleReservations(ctx context.Context, olderThan time.Time) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, outstandingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
}

// SetStock overwrites the available count of a product
func (c *Client) SetStock(ctx context.Context, productID string, available int) error {
	if available < 0 {
		return apperr.Validation("available stock for %s cannot be negative", productID)
	}
	return c.rdb.HSet(ctx, inventoryKey(productID), "available", available).Err()
}

// InitInventory seeds counters for a product unless Redis already tracks it,
// so a restart never clobbers live counts.
func (c *Client) InitInventory(ctx context.Context, productID string, available, reserved int) (bool, error) {
	key := inventoryKey(productID)

	created, err := c.rdb.HSetNX(ctx, key, "available", available).Result()
	if err != nil || !created {
		return false, err
	}
	return true, c.rdb.HSetNX(ctx, key, "reserved", reserved).Err()
}

// GetInventory retrieves current inventory counts
func (c *Client) GetInventory(ctx context.Context, productID string) (available, reserved int, err error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(productID)).Result()
	if err != nil {
		return 0, 0, err
	}

	if len(result) == 0 {
		return 0, 0, fmt.Errorf("inventory not found for product %s", productID)
	}

	available, _ = strconv.Atoi(result["available"])
	reserved, _ = strconv.Atoi(result["reserved"])
	return available, reserved, nil
}

// ClaimIdempotencyKey stores key if absent and reports whether this call stored it
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("idempotency:%s", key), "1", ttl).Result()
}

// ReleaseIdempotencyKey forgets a claim so the work can be retried
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("idempotency:%s", key)).Err()
}

// TryLock acquires a distributed lock owned by a random token; the returned
// func releases it only if this caller still owns it.
func (c *Client) TryLock(ctx context.Context, lockKey string, ttl time.Duration) (func(), bool, error) {
	key := fmt.Sprintf("lock:%s", lockKey)
	owner := uuid.NewString()

	ok, err := c.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.unlockScript.Run(ctx, c.rdb, []string{key}, owner).Err()
	}
	return unlock, true, nil
}

// GetTracking returns the cached public view for a tracking code
func (c *Client) GetTracking(ctx context.Context, code string) (*models.PublicOrder, bool, error) {
	raw, err := c.rdb.HGet(ctx, trackingPrefix+code, "view").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var view models.PublicOrder
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, false, fmt.Errorf("decode tracking cache: %w", err)
	}
	return &view, true, nil
}

// SetTracking caches a public view unless the cache already holds the same
// or a newer version of it. It reports whether the view was stored.
func (c *Client) SetTracking(ctx context.Context, view *models.PublicOrder) (bool, error) {
	raw, err := json.Marshal(view)
	if err != nil {
		return false, err
	}
	stored, err := c.trackScript.Run(ctx, c.rdb,
		[]string{trackingPrefix + view.TrackingCode},
		view.Version(), raw, TTLTracking.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// InvalidateTracking drops the cached public view for a tracking code
func (c *Client) InvalidateTracking(ctx context.Context, code string) error {
	return c.rdb.Del(ctx, trackingPrefix+code).Err()
}
