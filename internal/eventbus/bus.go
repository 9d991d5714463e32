// Package eventbus is an in-process publish/subscribe layer that coalesces
// publishes inside a debounce window.
//
// The first publish after an idle period opens a window; every publish that
// arrives before the window closes joins the same batch. When the window
// closes, each subscriber receives the events it is interested in with a
// single call, in subscription order. A subscriber that panics is logged and
// skipped; the remaining subscribers still receive the batch.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultWindow is the debounce window used when none is configured
const DefaultWindow = 100 * time.Millisecond

// Handler receives the events of one window, oldest first
type Handler func(events []models.Event)

type subscription struct {
	id        uint64
	eventType models.EventType
	handler   Handler
	active    atomic.Bool
}

func (s *subscription) matches(evt models.Event) bool {
	return s.eventType == models.EventTypeAll || s.eventType == evt.EventType
}

// Bus is the debounced event bus
type Bus struct {
	clock  clock.Clock
	window time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	subs    []*subscription
	nextID  uint64
	pending []models.Event
	timer   clock.Timer
	closed  bool

	// draining is set while a goroutine delivers; flushes requested in the
	// meantime are picked up by that goroutine so deliveries never overlap.
	draining       bool
	flushRequested bool
}

// New creates a bus. A non-positive window delivers every publish immediately.
func New(c clock.Clock, window time.Duration, logger *zap.Logger) *Bus {
	if c == nil {
		c = clock.Real()
	}
	return &Bus{
		clock:  c,
		window: window,
		logger: util.ComponentLogger(logger, "eventbus"),
	}
}

// Subscribe registers handler for eventType (or models.EventTypeAll) and
// returns a function that removes the subscription. Unsubscribing is
// idempotent and takes effect for windows that have not started delivering.
func (b *Bus) Subscribe(eventType models.EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, eventType: eventType, handler: handler}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)

	return func() {
		if !sub.active.Swap(false) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Publish queues evt for the current window, opening one if needed
func (b *Bus) Publish(evt models.Event) {
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Debug("Dropping event published after close",
			zap.String("event_type", string(evt.EventType)))
		return
	}
	b.pending = append(b.pending, evt)
	immediate := b.window <= 0
	if !immediate && b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.flush)
	}
	b.mu.Unlock()

	if immediate {
		b.flush()
	}
}

// Flush delivers the current window without waiting for it to close
func (b *Bus) Flush() {
	b.flush()
}

// Close delivers anything pending and stops accepting publishes
func (b *Bus) Close() {
	b.Flush()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) flush() {
	b.mu.Lock()
	if b.draining {
		b.flushRequested = true
		b.mu.Unlock()
		return
	}
	b.draining = true

	for {
		batch := b.pending
		b.pending = nil
		b.flushRequested = false
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		subs := make([]*subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		b.deliverBatch(subs, batch)

		b.mu.Lock()
		again := b.flushRequested || (b.window <= 0 && len(b.pending) > 0)
		if !again {
			b.draining = false
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bus) deliverBatch(subs []*subscription, batch []models.Event) {
	if len(batch) == 0 {
		return
	}
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		matched := make([]models.Event, 0, len(batch))
		for _, evt := range batch {
			if sub.matches(evt) {
				matched = append(matched, evt)
			}
		}
		if len(matched) == 0 {
			continue
		}
		b.deliver(sub, matched)
	}
}

func (b *Bus) deliver(sub *subscription, events []models.Event) {
	defer func() {
		if r := recover(); r != nil {
			util.EventBusHandlerPanicsTotal.Inc()
			b.logger.Error("Subscriber panicked",
				zap.Uint64("subscription", sub.id),
				zap.String("event_type", string(sub.eventType)),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	util.EventBusDeliveriesTotal.WithLabelValues(string(sub.eventType)).Inc()
	sub.handler(events)
}
