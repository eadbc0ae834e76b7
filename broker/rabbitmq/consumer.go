package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/metrics"
	"github.com/listashare/eventrelay/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPrefetch        = 10
	defaultMaxRedeliveries = 3
)

var ErrConsumerStarted = errors.New("consumer already started")

// Dispatcher routes decoded events to their business handlers.
type Dispatcher interface {
	Handles(eventType string) bool
	Dispatch(ctx context.Context, e *events.DomainEvent) error
}

// Queue is a durable queue bound to the exchange with a set of routing
// patterns (e.g. "producto.*").
type Queue struct {
	Name     string
	Patterns []string
}

type ConsumerConfig struct {
	Queues          []Queue
	Prefetch        int // unacknowledged deliveries per channel
	MaxRedeliveries int // handler failures tolerated before dead-lettering
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Prefetch <= 0 {
		c.Prefetch = defaultPrefetch
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = defaultMaxRedeliveries
	}
	return c
}

// Consumer subscribes to the configured queues and hands every delivery to a
// Dispatcher. Failed deliveries are republished with an increased
// x-retry-count header until the limit is reached, then dead-lettered.
type Consumer struct {
	conn       *Connection
	cfg        ConsumerConfig
	dispatcher Dispatcher
	logger     outbox.Logger

	mu       sync.Mutex // guards the subscription against Stop
	tags     []string
	tagCh    amqpChannel
	ctx      context.Context
	started  bool
	stopping atomic.Bool
	stopOnce sync.Once
	loops    sync.WaitGroup

	// requeues counts, per event, the failed deliveries that were requeued
	// because the redelivery copy could not be published.
	requeueMu sync.Mutex
	requeues  map[uuid.UUID]int

	processedCtr metrics.Counter
	retriedCtr   metrics.Counter
	deadCtr      metrics.Counter
}

type consumerOpt func(c *Consumer)

// WithConsumerLogger sets an optional logger.
func WithConsumerLogger(l outbox.Logger) consumerOpt {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
			c.conn.SetLogger(l)
		}
	}
}

// WithConsumerCounters sets the counters of processed, redelivered and
// dead-lettered messages.
func WithConsumerCounters(processed, retried, dead metrics.Counter) consumerOpt {
	return func(c *Consumer) {
		if processed != nil {
			c.processedCtr = processed
		}
		if retried != nil {
			c.retriedCtr = retried
		}
		if dead != nil {
			c.deadCtr = dead
		}
	}
}

// NewConsumer creates a consumer. The connection must be dedicated to it.
func NewConsumer(conn *Connection, cfg ConsumerConfig, d Dispatcher, opts ...consumerOpt) *Consumer {
	if conn == nil {
		panic("broker connection was not provided")
	}
	if d == nil {
		panic("dispatcher was not provided")
	}
	c := &Consumer{
		conn:         conn,
		cfg:          cfg.withDefaults(),
		dispatcher:   d,
		logger:       &outbox.NopLogger{},
		processedCtr: &metrics.NopCounter{},
		retriedCtr:   &metrics.NopCounter{},
		deadCtr:      &metrics.NopCounter{},
		requeues:     map[uuid.UUID]int{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start declares the topology and subscribes. The subscription is renewed
// automatically after every reconnection. Handlers run with a context that
// is not cancelled with ctx, so Stop can let them finish.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrConsumerStarted
	}
	c.started = true
	c.ctx = context.WithoutCancel(ctx)
	c.mu.Unlock()

	c.conn.OnReady(c.subscribe)
	return c.conn.Connect(ctx)
}

func (c *Consumer) deadLetterExchange() string {
	return c.conn.Exchange() + ".dlx"
}

func (c *Consumer) deadLetterQueue() string {
	return c.conn.Exchange() + ".dlq"
}

// subscribe runs on every fresh channel. It holds mu until the new tags are
// stored, so Stop either sees them or makes subscribe fail.
func (c *Consumer) subscribe(ch amqpChannel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping.Load() {
		return errors.New("consumer stopping")
	}
	dlx, dlq := c.deadLetterExchange(), c.deadLetterQueue()
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange '%s': %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue '%s': %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, "", dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue '%s': %w", dlq, err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	tags := make([]string, 0, len(c.cfg.Queues))
	for _, q := range c.cfg.Queues {
		args := amqp.Table{"x-dead-letter-exchange": dlx}
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue '%s': %w", q.Name, err)
		}
		for _, p := range q.Patterns {
			if err := ch.QueueBind(q.Name, p, c.conn.Exchange(), false, nil); err != nil {
				return fmt.Errorf("bind queue '%s' to '%s': %w", q.Name, p, err)
			}
		}
		tag := fmt.Sprintf("%s-%s", q.Name, uuid.NewString())
		deliveries, err := ch.Consume(q.Name, tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume queue '%s': %w", q.Name, err)
		}
		tags = append(tags, tag)

		c.loops.Add(1)
		go c.consume(q.Name, deliveries)
		c.logger.Info(fmt.Sprintf("consuming queue '%s' as '%s'", q.Name, tag))
	}

	c.tags, c.tagCh = tags, ch
	return nil
}

// consume handles the deliveries of one queue in order. The loop ends when
// the subscription is cancelled or the channel is closed.
func (c *Consumer) consume(queue string, deliveries <-chan amqp.Delivery) {
	defer c.loops.Done()
	for d := range deliveries {
		if c.stopping.Load() {
			_ = d.Nack(false, true)
			continue
		}
		c.handle(c.ctx, queue, d)
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, d amqp.Delivery) {
	e, err := events.Unmarshal(d.Body)
	if err != nil {
		c.logger.Error(fmt.Sprintf("undecodable message '%s' on '%s', dead-lettering it", d.MessageId, queue), err)
		c.deadLetter(d)
		return
	}
	if !c.dispatcher.Handles(e.EventType) {
		c.logger.Debug(fmt.Sprintf("no handler for '%s', event '%s' dropped", e.EventType, e.EventId))
		c.ack(d)
		return
	}

	err = c.dispatcher.Dispatch(ctx, e)
	if err == nil {
		c.forgetRequeues(e.EventId)
		c.processedCtr.Inc(1)
		c.ack(d)
		return
	}

	// requeued deliveries come back with unchanged headers
	retries := retryCount(d.Headers) + c.requeueCount(e.EventId)
	if outbox.IsPermanent(err) || retries >= c.cfg.MaxRedeliveries {
		c.logger.Error(fmt.Sprintf("event '%s' (%s) failed after %d redeliveries, dead-lettering it", e.EventId, e.EventType, retries), err)
		c.forgetRequeues(e.EventId)
		c.deadLetter(d)
		return
	}

	c.logger.Warn(fmt.Sprintf("event '%s' (%s) failed, redelivery %d/%d: %v", e.EventId, e.EventType, retries+1, c.cfg.MaxRedeliveries, err))
	if perr := c.conn.Publish(ctx, "", queue, redelivery(d, retries+1)); perr != nil {
		c.logger.Error(fmt.Sprintf("cannot republish event '%s', requeueing it", e.EventId), perr)
		c.countRequeue(e.EventId)
		if nerr := d.Nack(false, true); nerr != nil {
			c.logger.Error("nack failed", nerr)
		}
		return
	}
	c.forgetRequeues(e.EventId)
	c.retriedCtr.Inc(1)
	c.ack(d)
}

func (c *Consumer) requeueCount(id uuid.UUID) int {
	c.requeueMu.Lock()
	defer c.requeueMu.Unlock()
	return c.requeues[id]
}

func (c *Consumer) countRequeue(id uuid.UUID) {
	c.requeueMu.Lock()
	defer c.requeueMu.Unlock()
	c.requeues[id]++
}

func (c *Consumer) forgetRequeues(id uuid.UUID) {
	c.requeueMu.Lock()
	defer c.requeueMu.Unlock()
	delete(c.requeues, id)
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error(fmt.Sprintf("ack of message '%s' failed", d.MessageId), err)
	}
}

func (c *Consumer) deadLetter(d amqp.Delivery) {
	c.deadCtr.Inc(1)
	if err := d.Nack(false, false); err != nil {
		c.logger.Error(fmt.Sprintf("nack of message '%s' failed", d.MessageId), err)
	}
}

// Stop cancels the subscriptions, waits for the in-flight handlers and closes
// the connection.
func (c *Consumer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopping.Store(true)
		tags, ch := c.tags, c.tagCh
		c.mu.Unlock()

		// a channel subscribed by an ongoing reconnection is not healthy yet
		if ch != nil {
			for _, tag := range tags {
				if cerr := ch.Cancel(tag, false); cerr != nil {
					c.logger.Warn(fmt.Sprintf("cannot cancel consumer '%s': %v", tag, cerr))
				}
			}
		}
		c.loops.Wait()
		err = c.conn.Close()
		c.logger.Info("consumer stopped")
	})
	return err
}

// retryCount reads the redelivery counter. AMQP tables decode integers with
// the width they were encoded with.
func retryCount(h amqp.Table) int {
	switch v := h[HeaderRetryCount].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	case uint8:
		return int(v)
	default:
		return 0
	}
}

// redelivery copies a delivery into a new message with the given counter.
func redelivery(d amqp.Delivery, retries int) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(retries)
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}
