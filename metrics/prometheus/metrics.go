package prometheus

import (
	"github.com/listashare/eventrelay/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Counter struct {
	Counter prometheus.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Add(float64(delta))
}

type Gauge struct {
	Gauge prometheus.Gauge
}

var _ metrics.Gauge = (*Gauge)(nil)

func (g *Gauge) Update(value float64) {
	g.Gauge.Set(value)
}

// Factory registers counters and gauges under a common namespace.
type Factory struct {
	Namespace  string
	Registerer prometheus.Registerer
}

var _ metrics.Factory = (*Factory)(nil)

func (f *Factory) Counter(name string) metrics.Counter {
	return &Counter{Counter: promauto.With(f.Registerer).NewCounter(prometheus.CounterOpts{
		Namespace: f.Namespace,
		Name:      name + "_total",
		Help:      "Total number of " + name + " events",
	})}
}

func (f *Factory) Gauge(name string) metrics.Gauge {
	return &Gauge{Gauge: promauto.With(f.Registerer).NewGauge(prometheus.GaugeOpts{
		Namespace: f.Namespace,
		Name:      name,
		Help:      "Current value of " + name,
	})}
}
