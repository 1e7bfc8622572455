package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"marketguard/internal/model"
)

// Handler consumes events delivered by the bus. Handlers run on the single
// consumer goroutine in registration order, which preserves per-publisher
// evaluation order.
type Handler func(model.SecurityEvent)

// Bus is the process-wide append point for security events. Publish never
// blocks: when the queue is full the oldest pending event is dropped and
// counted.
type Bus struct {
	queue    chan model.SecurityEvent
	mu       sync.Mutex
	handlers []Handler
	dropped  atomic.Int64
	logger   *slog.Logger
}

func New(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Bus{
		queue:  make(chan model.SecurityEvent, queueSize),
		logger: logger,
	}
}

// Subscribe registers a handler. Must be called before Run.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish enqueues an event without blocking. On a full queue the oldest
// pending event is discarded to make room.
func (b *Bus) Publish(ev model.SecurityEvent) {
	for {
		select {
		case b.queue <- ev:
			return
		default:
		}
		select {
		case old := <-b.queue:
			b.dropped.Add(1)
			if b.logger != nil {
				b.logger.Warn("event queue full, dropped oldest event",
					"type", old.Type, "source", old.Source)
			}
		default:
		}
	}
}

// Dropped returns the number of events discarded due to queue pressure.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Pending returns the number of events waiting for delivery.
func (b *Bus) Pending() int {
	return len(b.queue)
}

// Run starts the consumer loop. It returns when ctx is cancelled. A
// panicking handler is logged and does not take the loop down.
func (b *Bus) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case ev := <-b.queue:
				b.deliver(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (b *Bus) deliver(ev model.SecurityEvent) {
	b.mu.Lock()
	handlers := b.handlers
	b.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && b.logger != nil {
					b.logger.Error("event handler panic", "panic", r, "type", ev.Type)
				}
			}()
			h(ev)
		}()
	}
}
