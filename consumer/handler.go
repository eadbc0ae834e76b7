package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
)

// Handler performs the side effects of one event. Handlers may see the same
// event more than once and must tolerate it.
type Handler interface {
	Handle(ctx context.Context, e *events.DomainEvent) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, e *events.DomainEvent) error

func (f HandlerFunc) Handle(ctx context.Context, e *events.DomainEvent) error {
	return f(ctx, e)
}

// Registry maps event types to handlers. Several handlers can subscribe to
// the same type; they run in registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   outbox.Logger
}

var _ outbox.Loggable = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]Handler),
		logger:   &outbox.NopLogger{},
	}
}

// SetLogger sets an optional logger, also on the registered handlers that
// accept one.
func (r *Registry) SetLogger(l outbox.Logger) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = l
	for _, hs := range r.handlers {
		for _, h := range hs {
			if lh, ok := h.(outbox.Loggable); ok {
				lh.SetLogger(l)
			}
		}
	}
}

// Register subscribes h to the given event types.
func (r *Registry) Register(h Handler, eventTypes ...string) *Registry {
	if h == nil {
		panic("handler was not provided")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range eventTypes {
		r.handlers[t] = append(r.handlers[t], h)
	}
	if lh, ok := h.(outbox.Loggable); ok {
		lh.SetLogger(r.logger)
	}
	return r
}

// Handles reports whether at least one handler subscribed to eventType.
func (r *Registry) Handles(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType]) > 0
}

// Dispatch runs every handler of the event type. All of them run even when
// one fails; the failures are joined and marked as handler errors unless
// they are already permanent.
func (r *Registry) Dispatch(ctx context.Context, e *events.DomainEvent) error {
	r.mu.RLock()
	hs := append([]Handler(nil), r.handlers[e.EventType]...)
	r.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h.Handle(ctx, e); err != nil {
			if !outbox.IsPermanent(err) && !errors.Is(err, outbox.ErrConsumerHandler) {
				err = fmt.Errorf("%w: %w", outbox.ErrConsumerHandler, err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
