package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestPublisher() (*EventPublisher, *fakeWriter) {
	w := &fakeWriter{}
	return NewEventPublisher(&Producer{writer: w, logger: zap.NewNop()}), w
}

func TestPublishOrderPlacedKeyedByOrder(t *testing.T) {
	ep, w := newTestPublisher()

	event := &models.OrderPlacedEvent{
		BaseEvent:    models.BaseEvent{EventID: "e1", EventType: models.EventTypeOrderPlaced, Timestamp: time.Now()},
		OrderID:      "o-1",
		TrackingCode: "TRK-1",
		TotalAmount:  300,
	}
	require.NoError(t, ep.PublishOrderPlaced(context.Background(), event))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order-o-1", string(w.msgs[0].Key))

	var decoded models.OrderPlacedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "TRK-1", decoded.TrackingCode)
	assert.Equal(t, models.EventTypeOrderPlaced, decoded.EventType)
}

func TestPublishCheckoutFailedKeyedByUser(t *testing.T) {
	ep, w := newTestPublisher()

	require.NoError(t, ep.PublishCheckoutFailed(context.Background(), &models.CheckoutFailedEvent{UserID: "u1", Reason: "empty_cart"}))
	assert.Equal(t, "user-u1", string(w.msgs[0].Key))
}

func TestPublishWrapsWriterError(t *testing.T) {
	ep, w := newTestPublisher()
	w.err = errors.New("broker unavailable")

	err := ep.PublishOrderStatusChanged(context.Background(), &models.OrderStatusChangedEvent{OrderID: "o-1"})
	assert.ErrorIs(t, err, w.err)
}

func TestEventHandlerRoutesStatusChanges(t *testing.T) {
	eh := NewEventHandler()
	var got *models.OrderStatusChangedEvent
	eh.OnOrderStatusChanged(func(_ context.Context, e *models.OrderStatusChangedEvent) error {
		got = e
		return nil
	})

	value, err := json.Marshal(&models.OrderStatusChangedEvent{
		BaseEvent:     models.BaseEvent{EventID: "e2", EventType: models.EventTypeOrderStatusChanged},
		ReservationID: "r-1",
		To:            models.OrderStatusCancelled,
	})
	require.NoError(t, err)

	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, got)
	assert.Equal(t, "r-1", got.ReservationID)
	assert.Equal(t, models.OrderStatusCancelled, got.To)
}

func TestEventHandlerIgnoresOtherAndBrokenMessages(t *testing.T) {
	eh := NewEventHandler()
	called := false
	eh.OnOrderStatusChanged(func(context.Context, *models.OrderStatusChangedEvent) error {
		called = true
		return nil
	})

	placed, _ := json.Marshal(&models.OrderPlacedEvent{BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderPlaced}})
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: placed}))
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")}))
	assert.False(t, called)
}

func TestDiscardPublisher(t *testing.T) {
	var p DiscardPublisher
	assert.NoError(t, p.PublishOrderPlaced(context.Background(), &models.OrderPlacedEvent{}))
	assert.NoError(t, p.PublishOrderStatusChanged(context.Background(), &models.OrderStatusChangedEvent{}))
	assert.NoError(t, p.PublishCheckoutFailed(context.Background(), &models.CheckoutFailedEvent{}))
}

// fakeReader serves queued messages and cancels the consumer once drained
type fakeReader struct {
	queue     []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.queue) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Config() kafka.ReaderConfig { return kafka.ReaderConfig{Topic: "order-events"} }
func (r *fakeReader) Close() error { return nil }

func newTestConsumer(msgs ...kafka.Message) (*Consumer, *fakeReader, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeReader{queue: msgs, cancel: cancel}
	return &Consumer{reader: r, logger: zap.NewNop(), handleAttempts: 3, retryBackoff: time.Millisecond}, r, ctx
}

func TestConsumerRetriesFailedMessageBeforeCommitting(t *testing.T) {
	c, r, ctx := newTestConsumer(kafka.Message{Offset: 7}, kafka.Message{Offset: 8})

	calls := map[int64]int{}
	err := c.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
		calls[msg.Offset]++
		if msg.Offset == 7 && calls[7] < 3 {
			return errors.New("ledger unavailable")
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, map[int64]int{7: 3, 8: 1}, calls)
	assert.Equal(t, []int64{7, 8}, r.committed)
}

func TestConsumerSkipsMessageAfterLastAttempt(t *testing.T) {
	c, r, ctx := newTestConsumer(kafka.Message{Offset: 1}, kafka.Message{Offset: 2})

	calls := map[int64]int{}
	err := c.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
		calls[msg.Offset]++
		if msg.Offset == 1 {
			return errors.New("poison message")
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls[1])
	assert.Equal(t, 1, calls[2])
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestConsumerStopsRetryingWhenCancelled(t *testing.T) {
	c, r, ctx := newTestConsumer(kafka.Message{Offset: 4})
	c.retryBackoff = time.Hour

	err := c.StartConsuming(ctx, func(context.Context, kafka.Message) error {
		r.cancel()
		return errors.New("ledger unavailable")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.committed)
}
