package eventing

import (
	"context"
	"errors"
	"sync"

	"github.com/warp/condo-billing/generic"
	"github.com/warp/condo-billing/metrics"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Handler consumes one envelope.
type Handler func(ctx context.Context, env Envelope) error

// Bus is an in-process publisher. Handlers run synchronously on the
// publishing goroutine, in subscription order, one event at a time.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers h for eventType, or for everything with AllEvents.
func (b *Bus) Subscribe(eventType string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish delivers the batch in order. A failing handler does not stop
// delivery to the others; all failures are joined into the returned error.
func (b *Bus) Publish(ctx context.Context, events []generic.DomainEvent) error {
	var errs []error
	for _, e := range events {
		env, err := NewEnvelope(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, h := range b.handlersFor(e.Name) {
			if err := h(ctx, env); err != nil {
				errs = append(errs, err)
			}
		}
		metrics.IncEventPublished(e.Name)
	}
	return errors.Join(errs...)
}

func (b *Bus) handlersFor(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	specific := b.handlers[eventType]
	all := b.handlers[AllEvents]
	out := make([]Handler, 0, len(specific)+len(all))
	out = append(out, specific...)
	return append(out, all...)
}

// Fanout hands each batch to every publisher in order. A failing publisher
// does not prevent delivery to the next one.
type Fanout []generic.EventPublisher

func (f Fanout) Publish(ctx context.Context, events []generic.DomainEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
