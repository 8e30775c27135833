package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBus_RoundTrip(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	go bus.Run(ctx, func(ctx context.Context, ev Event) {
		received <- ev
	})

	ev, err := NewEvent(ProductRoom("p1"), EventStockUpdated, StockUpdatedPayload{
		VariantID: "v1", ProductID: "p1", Available: 4,
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, ev))

	select {
	case got := <-received:
		assert.Equal(t, ProductRoom("p1"), got.Topic)
		assert.Equal(t, EventStockUpdated, got.Type)

		var p StockUpdatedPayload
		require.NoError(t, json.Unmarshal(got.Payload, &p))
		assert.Equal(t, 4, p.Available)
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestLocalBus_PreservesOrder(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 16)
	go bus.Run(ctx, func(ctx context.Context, ev Event) {
		received <- ev
	})

	for i := 0; i < 10; i++ {
		ev, err := NewEvent(ProductRoom("p1"), EventStockUpdated, StockUpdatedPayload{Available: i})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, ev))
	}

	for i := 0; i < 10; i++ {
		select {
		case got := <-received:
			var p StockUpdatedPayload
			require.NoError(t, json.Unmarshal(got.Payload, &p))
			assert.Equal(t, i, p.Available)
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestLocalBus_RunStopsOnCancel(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- bus.Run(ctx, func(ctx context.Context, ev Event) {})
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestLocalBus_PublishStopsOnCancelWhenFull(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	// No consumer running: fill the channel to force Publish to block.
	bg := context.Background()
	for i := 0; i < cap(bus.ch); i++ {
		ev, err := NewEvent("room", "type", nil)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(bg, ev))
	}

	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()

	ev, err := NewEvent("room", "type", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, bus.Publish(ctx, ev), context.DeadlineExceeded)
}
