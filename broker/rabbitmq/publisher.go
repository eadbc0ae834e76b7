package rabbitmq

import (
	"context"
	"fmt"

	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	HeaderEventVersion  = "x-event-version"
	HeaderAggregateType = "x-aggregate-type"
	HeaderAggregateId   = "x-aggregate-id"
	HeaderRetryCount    = "x-retry-count"

	appId = "listashare-relay"
)

// Publisher delivers outbox events to the topic exchange of its connection.
type Publisher struct {
	conn   *Connection
	logger outbox.Logger
}

var _ outbox.Publisher = (*Publisher)(nil)
var _ outbox.Loggable = (*Publisher)(nil)

// NewPublisher creates a publisher on top of an existing connection. The
// connection is owned by the publisher from now on.
func NewPublisher(conn *Connection) *Publisher {
	if conn == nil {
		panic("broker connection was not provided")
	}
	return &Publisher{conn: conn, logger: &outbox.NopLogger{}}
}

// SetLogger sets an optional logger.
func (p *Publisher) SetLogger(l outbox.Logger) {
	if l != nil {
		p.logger = l
		p.conn.SetLogger(l)
	}
}

func (p *Publisher) Publish(ctx context.Context, e *events.DomainEvent) (outbox.DeliveryReport, error) {
	msg, err := toPublishing(e)
	if err != nil {
		return outbox.DeliveryReport{}, err
	}
	key := events.RoutingKey(e)
	if err := p.conn.Publish(ctx, p.conn.Exchange(), key, msg); err != nil {
		return outbox.DeliveryReport{}, err
	}
	return outbox.DeliveryReport{
		Delivered: true,
		Details:   fmt.Sprintf("event '%s' confirmed on '%s' with key '%s'", e.EventId, p.conn.Exchange(), key),
	}, nil
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}

// Healthy reports the state of the underlying connection.
func (p *Publisher) Healthy() bool {
	return p.conn.Healthy()
}

func toPublishing(e *events.DomainEvent) (amqp.Publishing, error) {
	body, err := events.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		Headers: amqp.Table{
			HeaderEventVersion:  int32(e.EventVersion),
			HeaderAggregateType: e.AggregateType,
			HeaderAggregateId:   e.AggregateId,
		},
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     e.EventId.String(),
		CorrelationId: e.EventContext.CorrelationId,
		Timestamp:     e.OccurredOn,
		Type:          e.EventType,
		AppId:         appId,
		Body:          body,
	}, nil
}
