package test

import (
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
	Flushed            int
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	if p.MockedReportToSend != nil {
		internal <- p.MockedReportToSend
	}

	return nil
}

func (p *MockedKafkaProducer) Flush(timeoutMs int) int {
	p.Flushed++
	return 0
}

func (p *MockedKafkaProducer) Close() {}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// RecordingCounter is a metrics counter that keeps its value for assertions.
type RecordingCounter struct {
	mu    sync.Mutex
	value int64
}

func (c *RecordingCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
}

func (c *RecordingCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// RecordingGauge is a metrics gauge that keeps its last value for assertions.
type RecordingGauge struct {
	mu    sync.Mutex
	value float64
}

func (g *RecordingGauge) Update(value float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = value
}

func (g *RecordingGauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
