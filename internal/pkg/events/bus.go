// Package events carries domain events from the aggregates that emit them to
// whoever needs to react: the saga audit log, Kafka, tests.
//
// Aggregates never publish on their own. Their mutators return the events
// they produced and the caller (usually the saga orchestrator) hands them to
// a Publisher once the corresponding write has succeeded.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event is anything an aggregate reports about itself.
type Event interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}

// Publisher delivers events to interested handlers.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

// Handler reacts to a single event.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, evt Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt Event) error { return f(ctx, evt) }

// LogErrors wraps h so that its failures are logged and never reach the
// publisher. Use it for best-effort sinks such as Kafka.
func LogErrors(h Handler, logger *slog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, evt Event) error {
		if err := h.Handle(ctx, evt); err != nil {
			logger.WarnContext(ctx, "event handler failed",
				"event", evt.EventName(), "aggregate_id", evt.AggregateID(), "error", err)
		}
		return nil
	})
}

// Bus is an in-process, synchronous Publisher. Handlers run in subscription
// order for every event; one handler failing does not stop the others.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus(handlers ...Handler) *Bus {
	return &Bus{handlers: handlers}
}

// Subscribe appends h to the handler chain.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish dispatches every event to every handler and returns the joined
// handler errors, if any.
func (b *Bus) Publish(ctx context.Context, evts ...Event) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	var errs []error
	for _, evt := range evts {
		for _, h := range handlers {
			if err := h.Handle(ctx, evt); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Recorder is a Handler that keeps every event it sees. Useful in tests and
// for debugging endpoints.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
