package zap

import (
	"strings"

	"github.com/listashare/eventrelay/outbox"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zap implementation of outbox.Logger interface.
type Logger struct {
	Logger *zap.Logger
}

var _ outbox.Logger = (*Logger)(nil)

// New builds a production zap logger, or a development one when format is
// "console".
func New(level, format string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l.With(zap.String("component", "eventrelay"))}, nil
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Error(msg, zap.Error(err))
}

func (l *Logger) Info(msg string) {
	l.Logger.Info(msg)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
