// internal/events/bus.go
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// registration is one subscribed handler.
type registration struct {
	id      string
	handler Handler
}

// Bus fans events out to subscribed handlers. Publish is asynchronous
// with a bounded queue; when the queue is full the event is dropped
// rather than blocking the publisher.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[EventType][]registration

	queue  chan Event
	done   chan struct{}
	loop   sync.WaitGroup
	closed atomic.Bool
}

// NewBus creates a bus with the given queue capacity.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	b := &Bus{
		logger: logger.Named("events"),
		subs:   make(map[EventType][]registration),
		queue:  make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	b.loop.Add(1)
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) Subscription {
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], registration{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.String("subscription_id", id))

	return &subscription{cancel: func() { b.remove(eventType, id) }}
}

// SubscribeFunc registers a plain function as a handler.
func (b *Bus) SubscribeFunc(eventType EventType, fn func(context.Context, Event) error) Subscription {
	return b.Subscribe(eventType, HandlerFunc(fn))
}

func (b *Bus) remove(eventType EventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.subs[eventType]
	for i, r := range regs {
		if r.id == id {
			b.subs[eventType] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(b.subs[eventType]) == 0 {
		delete(b.subs, eventType)
	}
}

// Publish enqueues the event for asynchronous delivery.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return errors.New("event bus is shut down")
	}
	select {
	case b.queue <- event:
		return nil
	default:
		b.logger.Warn("Event queue full, dropping event",
			zap.String("event_type", string(event.Type())))
		return fmt.Errorf("event queue full: %s", event.Type())
	}
}

// PublishSync delivers the event to every handler before returning.
// Handler errors are joined, never short-circuited.
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	b.mu.RLock()
	regs := make([]registration, len(b.subs[event.Type()]))
	copy(regs, b.subs[event.Type()])
	b.mu.RUnlock()

	var errs []error
	for _, r := range regs {
		if err := r.handler.Handle(ctx, event); err != nil {
			b.logger.Error("Event handler failed",
				zap.String("event_type", string(event.Type())),
				zap.String("subscription_id", r.id),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatchLoop delivers queued events in order, one at a time. Slow
// handlers apply backpressure to the queue, not to publishers.
func (b *Bus) dispatchLoop() {
	defer b.loop.Done()
	for {
		select {
		case <-b.done:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case e := <-b.queue:
					_ = b.PublishSync(context.Background(), e)
				default:
					return
				}
			}
		case e := <-b.queue:
			if err := b.PublishSync(context.Background(), e); err != nil {
				b.logger.Error("Event dispatch failed",
					zap.String("event_type", string(e.Type())),
					zap.Error(err))
			}
		}
	}
}

// Shutdown stops intake, drains the queue, and waits for the dispatch
// loop up to the context deadline.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)

	finished := make(chan struct{})
	go func() {
		b.loop.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		b.logger.Info("Event bus stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event bus shutdown timed out")
		return ctx.Err()
	}
}
