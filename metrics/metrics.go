package metrics

// Counter defines the contract for counters.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

// Gauge defines the contract for gauges.
type Gauge interface {
	// Update sets the gauge to an absolute value.
	Update(value float64)
}

type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(delta int64) {} //nolint:all

type NopGauge struct{}

var _ Gauge = (*NopGauge)(nil)

func (*NopGauge) Update(value float64) {} //nolint:all

// Factory creates named counters and gauges on a metrics backend.
type Factory interface {
	Counter(name string) Counter
	Gauge(name string) Gauge
}

// NopFactory hands out no-op instruments.
type NopFactory struct{}

var _ Factory = NopFactory{}

func (NopFactory) Counter(string) Counter { return &NopCounter{} }

func (NopFactory) Gauge(string) Gauge { return &NopGauge{} }
