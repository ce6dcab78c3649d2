// internal/events/bus_test.go
package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testEvent(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 16)
	defer shutdownBus(t, bus)

	var count atomic.Int32
	bus.SubscribeFunc(StatusUpdated, func(context.Context, Event) error {
		count.Add(1)
		return nil
	})
	// Other event types stay untouched.
	bus.SubscribeFunc(SessionEnded, func(context.Context, Event) error {
		t.Error("wrong event type delivered")
		return nil
	})

	require.NoError(t, bus.Publish(testEvent(StatusUpdated)))
	require.NoError(t, bus.Publish(testEvent(StatusUpdated)))

	require.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 16)
	defer shutdownBus(t, bus)

	var count atomic.Int32
	sub := bus.SubscribeFunc(StatusUpdated, func(context.Context, Event) error {
		count.Add(1)
		return nil
	})

	require.NoError(t, bus.PublishSync(context.Background(), testEvent(StatusUpdated)))
	sub.Unsubscribe()
	require.NoError(t, bus.PublishSync(context.Background(), testEvent(StatusUpdated)))

	assert.Equal(t, int32(1), count.Load())
}

func TestPublishSyncJoinsHandlerErrors(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 16)
	defer shutdownBus(t, bus)

	boom := errors.New("boom")
	var ran atomic.Int32
	bus.SubscribeFunc(EmergencyStop, func(context.Context, Event) error { return boom })
	bus.SubscribeFunc(EmergencyStop, func(context.Context, Event) error {
		ran.Add(1)
		return nil
	})

	err := bus.PublishSync(context.Background(), testEvent(EmergencyStop))
	assert.ErrorIs(t, err, boom)
	// The failing handler does not short-circuit the others.
	assert.Equal(t, int32(1), ran.Load())
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 1)
	defer shutdownBus(t, bus)

	// A slow handler keeps the dispatch loop busy so the queue backs up.
	blocker := make(chan struct{})
	bus.SubscribeFunc(PoolUpdated, func(context.Context, Event) error {
		<-blocker
		return nil
	})

	var dropped bool
	for i := 0; i < 10; i++ {
		if bus.Publish(testEvent(PoolUpdated)) != nil {
			dropped = true
			break
		}
	}
	close(blocker)
	assert.True(t, dropped, "queue never filled up")
}

func TestPublishAfterShutdown(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 16)
	shutdownBus(t, bus)

	assert.Error(t, bus.Publish(testEvent(StatusUpdated)))
}

func shutdownBus(t *testing.T, bus *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))
}
