package zerolog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/listashare/eventrelay/outbox"
	"github.com/rs/zerolog"
)

// zerolog implementation of outbox.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ outbox.Logger = (*Logger)(nil)

// New builds a logger writing to stdout. format "console" gives human
// readable output, anything else JSON. Unknown levels fall back to info.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

func NewWithWriter(w io.Writer, level, format string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{
		Logger: zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "eventrelay").Logger(),
	}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
