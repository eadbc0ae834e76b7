package outbox

import (
	"context"
	"fmt"

	"github.com/listashare/eventrelay/events"
)

// DeliveryReport contains information about the delivery of an event.
type DeliveryReport struct {
	Delivered bool   // the broker accepted the event
	Details   string // more information about the delivery
}

// Publisher defines the contract for broker publishers. Implementations
// decide once, at construction time, how events leave the process.
type Publisher interface {
	// Publish sends the event to the broker. A nil error with an
	// undelivered report means the event was intentionally not sent.
	Publish(ctx context.Context, e *events.DomainEvent) (DeliveryReport, error)

	// Close releases the broker resources. It is safe to call it twice.
	Close() error
}

// NopPublisher is used when the broker integration is disabled: it logs the
// event and reports success without delivering it, so outbox records stay
// pending instead of piling up failed attempts.
type NopPublisher struct {
	logger Logger
}

var _ Publisher = (*NopPublisher)(nil)
var _ Loggable = (*NopPublisher)(nil)

func NewNopPublisher() *NopPublisher {
	return &NopPublisher{logger: &NopLogger{}}
}

// SetLogger sets an optional logger.
func (p *NopPublisher) SetLogger(l Logger) {
	if l != nil {
		p.logger = l
	}
}

func (p *NopPublisher) Publish(_ context.Context, e *events.DomainEvent) (DeliveryReport, error) {
	p.logger.Debug(fmt.Sprintf("broker disabled, event '%s' (%s) not sent", e.EventId, events.RoutingKey(e)))
	return DeliveryReport{Delivered: false, Details: "broker disabled"}, nil
}

func (p *NopPublisher) Close() error {
	return nil
}
