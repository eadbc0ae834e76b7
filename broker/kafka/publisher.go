package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
)

const defaultFlushTimeout = 5 * time.Second

// kafkaProducer is the subset of *kafka.Producer used by the publisher.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Publisher delivers outbox events to Kafka. Every aggregate type has its
// own topic and the aggregate id is the message key, so the events of one
// aggregate land in the same partition.
type Publisher struct {
	producer     kafkaProducer
	logger       outbox.Logger
	flushTimeout time.Duration
	closeOnce    sync.Once
}

var _ outbox.Publisher = (*Publisher)(nil)
var _ outbox.Loggable = (*Publisher)(nil)

// NewProducer creates a confluent producer with idempotence enabled.
func NewProducer(bootstrapServers string) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"linger.ms":          500,
		"batch.size":         100 * 1024,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
}

func New(p kafkaProducer) *Publisher {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("Producer is mandatory")
	}
	return &Publisher{
		producer:     p,
		logger:       &outbox.NopLogger{},
		flushTimeout: defaultFlushTimeout,
	}
}

// SetLogger sets an optional logger.
func (p *Publisher) SetLogger(l outbox.Logger) {
	if l != nil {
		p.logger = l
	}
}

func (p *Publisher) Publish(ctx context.Context, e *events.DomainEvent) (outbox.DeliveryReport, error) {
	value, err := events.Marshal(e)
	if err != nil {
		return outbox.DeliveryReport{}, err
	}

	topic := TopicName(e.AggregateType)
	dc := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.AggregateId),
		Value:          value,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(e.EventId.String())},
			{Key: "eventType", Value: []byte(e.EventType)},
			{Key: "occurredOn", Value: []byte(strconv.FormatInt(e.OccurredOn.UnixMilli(), 10))},
		},
	}, dc)
	if err != nil {
		return outbox.DeliveryReport{}, classify(err)
	}

	select {
	case <-ctx.Done():
		return outbox.DeliveryReport{}, fmt.Errorf("%w: %v", outbox.ErrPublishRejected, ctx.Err())
	case ev := <-dc:
		m, ok := ev.(*kafka.Message)
		if !ok {
			p.logger.Debug(fmt.Sprintf("unexpected delivery event: %s", ev))
			return outbox.DeliveryReport{}, fmt.Errorf("%w: unexpected delivery event %s", outbox.ErrConnection, ev)
		}
		if m.TopicPartition.Error != nil {
			return outbox.DeliveryReport{}, classify(m.TopicPartition.Error)
		}
		return outbox.DeliveryReport{
			Delivered: true,
			Details: fmt.Sprintf("delivered message to topic %s [%d] at offset %v",
				*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
		}, nil
	}
}

// Close flushes the pending messages and closes the producer. It is safe to
// call it twice.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		if left := p.producer.Flush(int(p.flushTimeout.Milliseconds())); left > 0 {
			p.logger.Warn(fmt.Sprintf("%d kafka messages were not flushed", left))
		}
		p.producer.Close()
	})
	return nil
}

// classify maps producer errors to outbox errors. A full local queue is
// backpressure, anything else is a connectivity problem.
func classify(err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) && kerr.Code() == kafka.ErrQueueFull {
		return fmt.Errorf("%w: %v", outbox.ErrPublishRejected, err)
	}
	return fmt.Errorf("%w: %v", outbox.ErrConnection, err)
}

// TopicName builds a topic name from an aggregate type (e.g. if
// aggregateType="ShoppingLista" then topic name is "outbox-shopping-lista").
func TopicName(aggregateType string) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(aggregateType))
}
