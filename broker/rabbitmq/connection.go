package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/listashare/eventrelay/metrics"
	"github.com/listashare/eventrelay/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange       = "listashare.events"
	defaultConfirmTimeout = 10 * time.Second
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = 60 * time.Second
	defaultReconnectMult  = 2.0
)

// Config holds the broker connection parameters.
type Config struct {
	URL            string
	Exchange       string        // durable topic exchange, DefaultExchange if empty
	ConfirmTimeout time.Duration // how long to wait for a publisher confirm
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(defaultReconnectMax, c.ReconnectMin)
	}
	return c
}

// ReadyHook runs on every freshly opened channel, after the exchange has been
// declared. Consumers use it to (re)declare their topology and subscribe.
type ReadyHook func(ch amqpChannel) error

// Connection owns one AMQP connection and one channel in confirm mode. When
// the broker drops either of them it keeps reconnecting in the background
// until Close is called.
type Connection struct {
	cfg    Config
	dial   dialer
	logger outbox.Logger

	dialMu sync.Mutex // one establish at a time

	mu    sync.RWMutex
	conn  amqpConnection
	ch    amqpChannel
	hooks []ReadyHook

	healthy      atomic.Bool
	blocked      atomic.Bool
	closed       atomic.Bool
	reconnecting atomic.Bool

	backoff   *Backoff
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	reconnectCtr metrics.Counter
	healthGge    metrics.Gauge
}

type connOpt func(c *Connection)

// WithLogger sets an optional logger.
func WithLogger(l outbox.Logger) connOpt {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the reconnection counter and the health gauge (1 when
// connected, 0 otherwise).
func WithMetrics(reconnects metrics.Counter, health metrics.Gauge) connOpt {
	return func(c *Connection) {
		if reconnects != nil {
			c.reconnectCtr = reconnects
		}
		if health != nil {
			c.healthGge = health
		}
	}
}

func withDialer(d dialer) connOpt {
	return func(c *Connection) {
		c.dial = d
	}
}

func NewConnection(cfg Config, opts ...connOpt) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		cfg:          cfg,
		dial:         dialAMQP,
		logger:       &outbox.NopLogger{},
		backoff:      NewBackoff(cfg.ReconnectMin, cfg.ReconnectMax, defaultReconnectMult),
		closeCh:      make(chan struct{}),
		reconnectCtr: &metrics.NopCounter{},
		healthGge:    &metrics.NopGauge{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLogger sets an optional logger.
func (c *Connection) SetLogger(l outbox.Logger) {
	WithLogger(l)(c)
}

func (c *Connection) Exchange() string {
	return c.cfg.Exchange
}

// OnReady registers a hook executed on every (re)connection. Hooks must be
// registered before Connect.
func (c *Connection) OnReady(h ReadyHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Connect dials the broker once. When it fails the error is returned and a
// background reconnection is started, so callers may log it and carry on:
// publishing returns outbox.ErrNotConnected until the broker is reachable.
// Connecting an open connection is a no-op, and while a reconnection is in
// progress outbox.ErrNotConnected is returned without dialing.
func (c *Connection) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: connection closed", outbox.ErrConnection)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.reconnecting.Load() {
		return fmt.Errorf("%w: reconnection in progress", outbox.ErrNotConnected)
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.open() {
		return nil
	}
	if err := c.establish(); err != nil {
		c.startReconnect()
		return err
	}
	return nil
}

// Healthy reports whether the connection and the channel are open.
func (c *Connection) Healthy() bool {
	return c.healthy.Load()
}

func (c *Connection) open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.healthy.Load()
}

// Blocked reports whether the broker asked publishers to slow down.
func (c *Connection) Blocked() bool {
	return c.blocked.Load()
}

func (c *Connection) establish() error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", outbox.ErrConnection, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: open channel: %v", outbox.ErrConnection, err)
	}
	if err := c.setup(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%w: connection closed", outbox.ErrConnection)
	}
	c.conn, c.ch = conn, ch
	c.mu.Unlock()

	c.blocked.Store(false)
	c.healthy.Store(true)
	c.healthGge.Update(1)
	c.watch(conn, ch)
	c.logger.Info(fmt.Sprintf("connected to broker, exchange '%s'", c.cfg.Exchange))
	return nil
}

func (c *Connection) setup(ch amqpChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: enable confirms: %v", outbox.ErrConnection, err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange '%s': %v", outbox.ErrConnection, c.cfg.Exchange, err)
	}

	c.mu.RLock()
	hooks := append([]ReadyHook(nil), c.hooks...)
	c.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ch); err != nil {
			return fmt.Errorf("%w: %v", outbox.ErrConnection, err)
		}
	}
	return nil
}

// watch follows the close and blocked notifications of one connection
// generation.
func (c *Connection) watch(conn amqpConnection, ch amqpChannel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.closeCh:
				return
			case b, ok := <-blocked:
				if !ok {
					blocked = nil
					continue
				}
				c.blocked.Store(b.Active)
				if b.Active {
					c.logger.Warn(fmt.Sprintf("broker blocked the connection: %s", b.Reason))
				} else {
					c.logger.Info("broker unblocked the connection")
				}
			case err := <-connClosed:
				c.lost(conn, ch, "connection", err)
				return
			case err := <-chanClosed:
				c.lost(conn, ch, "channel", err)
				return
			}
		}
	}()
}

func (c *Connection) lost(conn amqpConnection, ch amqpChannel, what string, cause *amqp.Error) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn, c.ch = nil, nil
	}
	c.mu.Unlock()
	c.healthy.Store(false)
	c.healthGge.Update(0)

	// the sibling may still be open when only one of them dropped.
	_ = ch.Close()
	_ = conn.Close()

	var err error
	if cause != nil {
		err = cause
	}
	c.logger.Error(fmt.Sprintf("broker %s lost, reconnecting", what), err)
	c.startReconnect()
}

func (c *Connection) startReconnect() {
	if c.closed.Load() || !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)
		c.backoff.Reset()
		for {
			wait := c.backoff.Next()
			timer := time.NewTimer(wait)
			select {
			case <-c.closeCh:
				timer.Stop()
				return
			case <-timer.C:
			}
			c.dialMu.Lock()
			err := c.establish()
			c.dialMu.Unlock()
			if err != nil {
				c.logger.Warn(fmt.Sprintf("reconnection attempt %d failed: %v", c.backoff.Attempts(), err))
				continue
			}
			c.reconnectCtr.Inc(1)
			c.logger.Info(fmt.Sprintf("reconnected to broker after %d attempts", c.backoff.Attempts()))
			return
		}
	}()
}

// Publish sends msg and waits for the broker confirm.
func (c *Connection) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if c.blocked.Load() {
		return fmt.Errorf("%w: connection blocked", outbox.ErrPublishRejected)
	}
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()
	if ch == nil || !c.healthy.Load() {
		return outbox.ErrNotConnected
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %v", outbox.ErrNotConnected, err)
		}
		return fmt.Errorf("%w: %v", outbox.ErrConnection, err)
	}
	if dc == nil {
		return nil
	}

	timer := time.NewTimer(c.cfg.ConfirmTimeout)
	defer timer.Stop()
	select {
	case <-dc.Done():
		if !dc.Acked() {
			return fmt.Errorf("%w: message nacked by broker", outbox.ErrPublishRejected)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", outbox.ErrPublishRejected, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: confirm timeout after %s", outbox.ErrPublishRejected, c.cfg.ConfirmTimeout)
	}
}

// channel returns the current channel, nil while disconnected.
func (c *Connection) channel() amqpChannel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ch
}

// Close stops reconnecting and closes the channel and the connection. It is
// safe to call it twice.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)

		c.mu.Lock()
		conn, ch := c.conn, c.ch
		c.conn, c.ch = nil, nil
		c.mu.Unlock()

		if ch != nil {
			err = errors.Join(err, ch.Close())
		}
		if conn != nil {
			err = errors.Join(err, conn.Close())
		}
		c.healthy.Store(false)
		c.healthGge.Update(0)
		c.wg.Wait()
		c.logger.Info("broker connection closed")
	})
	return err
}
