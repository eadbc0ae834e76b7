package consumer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
)

// Deduplicator remembers which events a named consumer already processed.
type Deduplicator interface {
	Processed(ctx context.Context, consumer string, eventId uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, consumer string, eventId uuid.UUID) error
}

type idempotent struct {
	name   string
	dedupe Deduplicator
	next   Handler
	logger outbox.Logger
}

var _ outbox.Loggable = (*idempotent)(nil)

// Idempotent wraps h so that an event already processed by the consumer
// called name is skipped. The event is recorded only after h succeeds.
func Idempotent(name string, d Deduplicator, h Handler) Handler {
	if d == nil || h == nil {
		panic("deduplicator and handler are mandatory")
	}
	return &idempotent{name: name, dedupe: d, next: h, logger: &outbox.NopLogger{}}
}

func (i *idempotent) SetLogger(l outbox.Logger) {
	if l == nil {
		return
	}
	i.logger = l
	if lh, ok := i.next.(outbox.Loggable); ok {
		lh.SetLogger(l)
	}
}

func (i *idempotent) Handle(ctx context.Context, e *events.DomainEvent) error {
	done, err := i.dedupe.Processed(ctx, i.name, e.EventId)
	if err != nil {
		return fmt.Errorf("%w: dedupe lookup: %w", outbox.ErrConsumerHandler, err)
	}
	if done {
		i.logger.Debug(fmt.Sprintf("event '%s' already processed by '%s', skipped", e.EventId, i.name))
		return nil
	}

	if err := i.next.Handle(ctx, e); err != nil {
		return err
	}

	// the side effect already happened, a redelivery would repeat it.
	if err := i.dedupe.MarkProcessed(ctx, i.name, e.EventId); err != nil {
		i.logger.Error(fmt.Sprintf("cannot record event '%s' as processed by '%s'", e.EventId, i.name), err)
	}
	return nil
}
