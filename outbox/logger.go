package outbox

// Logger is the logging contract shared by the relay, the stores, the
// publishers and the consumers. Adapters live under logger/.
type Logger interface {
	Info(msg string)
	Debug(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

// Loggable is implemented by collaborators that accept a logger after
// construction.
type Loggable interface {
	SetLogger(Logger)
}

// propagateLogger hands l to every target that is Loggable.
func propagateLogger(l Logger, targets ...any) {
	for _, t := range targets {
		if lt, ok := t.(Loggable); ok {
			lt.SetLogger(l)
		}
	}
}

// NopLogger discards everything.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

func (*NopLogger) Debug(string) {}

func (*NopLogger) Warn(string) {}

func (*NopLogger) Error(string, error) {}

func (*NopLogger) Info(string) {}
