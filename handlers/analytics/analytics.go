package analytics

import (
	"context"

	"github.com/listashare/eventrelay/events"
)

// Sink stores events for later analysis.
type Sink interface {
	Record(ctx context.Context, e *events.DomainEvent) error
}

// Handler forwards every event it receives to a Sink.
type Handler struct {
	sink Sink
}

func New(s Sink) *Handler {
	if s == nil {
		panic("analytics sink is mandatory")
	}
	return &Handler{sink: s}
}

// EventTypes lists the events recorded for analytics: all of them.
func (h *Handler) EventTypes() []string {
	return append([]string(nil), events.KnownTypes...)
}

func (h *Handler) Handle(ctx context.Context, e *events.DomainEvent) error {
	return h.sink.Record(ctx, e)
}
