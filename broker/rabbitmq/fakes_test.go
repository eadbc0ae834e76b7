package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeConfirmation struct {
	done  chan struct{}
	acked bool
}

func (c *fakeConfirmation) Done() <-chan struct{} { return c.done }
func (c *fakeConfirmation) Acked() bool           { return c.acked }

func settled(acked bool) *fakeConfirmation {
	c := &fakeConfirmation{done: make(chan struct{}), acked: acked}
	close(c.done)
	return c
}

type fakeChannel struct {
	mu         sync.Mutex
	confirmed  bool
	exchanges  map[string]string
	queues     map[string]amqp.Table
	bindings   []string
	qos        int
	published  []published
	publishErr error
	confirm    func() confirmation
	consumers  map[string]chan amqp.Delivery
	byQueue    map[string]chan amqp.Delivery
	cancelled  []string
	notifies   []chan *amqp.Error
	closed     bool

	// when set, Consume signals consuming and waits for consumeGate
	consumeGate chan struct{}
	consuming   chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges: map[string]string{},
		queues:    map[string]amqp.Table{},
		consumers: map[string]chan amqp.Delivery{},
		byQueue:   map[string]chan amqp.Delivery{},
		confirm:   func() confirmation { return settled(true) },
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, exchange+"->"+name+":"+key)
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = prefetchCount
	return nil
}

func (f *fakeChannel) Confirm(_ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = true
	return nil
}

func (f *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, amqp.ErrClosed
	}
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return f.confirm(), nil
}

func (f *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeGate != nil {
		f.consuming <- struct{}{}
		<-f.consumeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, amqp.ErrClosed
	}
	ch := make(chan amqp.Delivery, 10)
	f.consumers[consumer] = ch
	f.byQueue[queue] = ch
	return ch, nil
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	if ch, ok := f.consumers[consumer]; ok {
		close(ch)
		delete(f.consumers, consumer)
	}
	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, receiver)
	return receiver
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	for tag, ch := range f.consumers {
		close(ch)
		delete(f.consumers, tag)
	}
	for _, n := range f.notifies {
		close(n)
	}
	return nil
}

// deliver pushes a message to the consumer of a queue.
func (f *fakeChannel) deliver(queue string, d amqp.Delivery) {
	f.mu.Lock()
	ch := f.byQueue[queue]
	f.mu.Unlock()
	ch <- d
}

func (f *fakeChannel) publishes() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func (f *fakeChannel) cancelledTags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeConnection struct {
	mu       sync.Mutex
	channel  *fakeChannel
	notifies []chan *amqp.Error
	blocked  []chan amqp.Blocking
	closed   bool
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{channel: newFakeChannel()}
}

func (f *fakeConnection) Channel() (amqpChannel, error) {
	return f.channel, nil
}

func (f *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, receiver)
	return receiver
}

func (f *fakeConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, receiver)
	return receiver
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	for _, n := range f.notifies {
		close(n)
	}
	for _, b := range f.blocked {
		close(b)
	}
	return nil
}

func (f *fakeConnection) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// drop simulates the broker closing the connection.
func (f *fakeConnection) drop() {
	f.mu.Lock()
	for _, n := range f.notifies {
		n <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "forced"}
	}
	f.mu.Unlock()
	_ = f.channel.Close()
	_ = f.Close()
}

func (f *fakeConnection) block(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.blocked {
		b <- amqp.Blocking{Active: active, Reason: "low on memory"}
	}
}

// fakeDialer hands out the given connections in order; a nil entry fails.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConnection
	calls int
}

func (d *fakeDialer) dial(string) (amqpConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	if c == nil {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type ackRecord struct {
	acks     int
	nacks    int
	requeued int
}

type fakeAcknowledger struct {
	mu   sync.Mutex
	tags map[uint64]*ackRecord
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{tags: map[uint64]*ackRecord{}}
}

func (a *fakeAcknowledger) record(tag uint64) *ackRecord {
	r, ok := a.tags[tag]
	if !ok {
		r = &ackRecord{}
		a.tags[tag] = r
	}
	return r
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(tag).acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.record(tag).requeued++
	} else {
		a.record(tag).nacks++
	}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.tags[tag]; ok {
		return *r
	}
	return ackRecord{}
}

var _ amqp.Acknowledger = (*fakeAcknowledger)(nil)
