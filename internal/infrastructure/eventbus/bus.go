package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one published occurrence on the bus.
type Event interface {
	Type() string
	Timestamp() time.Time
	Payload() any
}

// BaseEvent is the standard Event implementation.
type BaseEvent struct {
	EventType      string
	EventTimestamp time.Time
	EventPayload   any
}

func (e *BaseEvent) Type() string         { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTimestamp }
func (e *BaseEvent) Payload() any         { return e.EventPayload }

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType string, payload any) *BaseEvent {
	return &BaseEvent{
		EventType:      eventType,
		EventTimestamp: time.Now(),
		EventPayload:   payload,
	}
}

// Handler processes one event. Handlers for the same topic run sequentially
// in subscription order; a panic or overrun in one handler is isolated and
// never stops the remaining handlers.
type Handler func(ctx context.Context, event Event)

// Bus is the in-process publish/subscribe surface.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType string, handler Handler)
	Close()
}

// InMemoryBus delivers events through a buffered channel drained by a single
// dispatch goroutine, which preserves publish order per topic.
type InMemoryBus struct {
	mu             sync.RWMutex
	handlers       map[string][]Handler
	eventChan      chan eventWrapper
	closed         bool
	handlerTimeout time.Duration
	logger         *zap.Logger
	wg             sync.WaitGroup
}

type eventWrapper struct {
	ctx   context.Context
	event Event
}

// NewInMemoryBus creates a bus with the given buffer size. handlerTimeout
// bounds each handler invocation; zero means 5 seconds.
func NewInMemoryBus(logger *zap.Logger, bufferSize int, handlerTimeout time.Duration) *InMemoryBus {
	if handlerTimeout <= 0 {
		handlerTimeout = 5 * time.Second
	}
	bus := &InMemoryBus{
		handlers:       make(map[string][]Handler),
		eventChan:      make(chan eventWrapper, bufferSize),
		handlerTimeout: handlerTimeout,
		logger:         logger,
	}

	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Publish enqueues an event without blocking. When the buffer is full the
// event is dropped and logged rather than stalling the publisher.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.eventChan <- eventWrapper{ctx: ctx, event: event}:
		b.logger.Debug("Event published", zap.String("type", event.Type()))
	default:
		b.logger.Warn("Event buffer full, dropping event", zap.String("type", event.Type()))
	}
}

// Subscribe registers a handler for an event type. "*" receives every event.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Debug("Handler subscribed", zap.String("event_type", eventType))
}

// Close drains the queue and stops dispatch.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()

	for wrapper := range b.eventChan {
		b.dispatchEvent(wrapper.ctx, wrapper.event)
	}
}

// dispatchEvent runs the topic's handlers one after another so consumers
// observe events of one topic in publish order.
func (b *InMemoryBus) dispatchEvent(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0)
	if h, ok := b.handlers[event.Type()]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := b.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.runHandler(ctx, event, handler)
	}
}

func (b *InMemoryBus) runHandler(ctx context.Context, event Event, handler Handler) {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Handler panicked",
					zap.String("event_type", event.Type()),
					zap.Any("panic", r),
				)
			}
		}()
		handler(hctx, event)
	}()

	select {
	case <-done:
	case <-hctx.Done():
		// The goroutine finishes on its own; dispatch moves on.
		b.logger.Warn("Handler overran its deadline",
			zap.String("event_type", event.Type()),
			zap.Duration("timeout", b.handlerTimeout),
		)
	}
}

// Capture bus topics.
const (
	EventCaptureSessionCreated = "capture.session:created"
	EventCaptureEventReceived  = "capture.event:received"
	EventCaptureSessionEnded   = "capture.session:ended"
	EventCaptureSessionFlushed = "capture.session:flushed"
)

// CaptureSessionPayload accompanies session lifecycle topics.
type CaptureSessionPayload struct {
	SessionID  string
	Platform   string
	EventCount int
}

// CaptureEventPayload accompanies event:received.
type CaptureEventPayload struct {
	SessionID string
	Platform  string
	Count     int
}
