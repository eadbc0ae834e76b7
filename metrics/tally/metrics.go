package tally

import (
	"github.com/listashare/eventrelay/metrics"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

type Gauge struct {
	Gauge tally.Gauge
}

var _ metrics.Gauge = (*Gauge)(nil)

func (g *Gauge) Update(value float64) {
	g.Gauge.Update(value)
}

// Factory creates counters and gauges inside a tally scope.
type Factory struct {
	Scope tally.Scope
}

var _ metrics.Factory = (*Factory)(nil)

func (f *Factory) Counter(name string) metrics.Counter {
	return &Counter{Counter: f.Scope.Counter(name)}
}

func (f *Factory) Gauge(name string) metrics.Gauge {
	return &Gauge{Gauge: f.Scope.Gauge(name)}
}
