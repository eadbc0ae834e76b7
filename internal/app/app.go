// Package app wires the ambient stack shared by the relay and consumer
// processes.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/listashare/eventrelay/config"
	"github.com/listashare/eventrelay/logger/zap"
	"github.com/listashare/eventrelay/logger/zerolog"
	"github.com/listashare/eventrelay/metrics"
	promadapter "github.com/listashare/eventrelay/metrics/prometheus"
	tallyadapter "github.com/listashare/eventrelay/metrics/tally"
	"github.com/listashare/eventrelay/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uber-go/tally/v4"
	tallyprom "github.com/uber-go/tally/v4/prometheus"
)

const tallyReportInterval = time.Second

type txKey struct{}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TxKey is the context key business code stores its pgx transaction under.
var TxKey outbox.TxKey = txKey{}

// NewLogger builds the logger selected by LOG_BACKEND. The returned func
// flushes buffered entries.
func NewLogger(cfg *config.Config) (outbox.Logger, func(), error) {
	switch cfg.LogBackend {
	case "zap":
		l, err := zap.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return nil, nil, fmt.Errorf("could not build zap logger: %w", err)
		}
		return l, func() { _ = l.Sync() }, nil
	case "", "zerolog":
		return zerolog.New(cfg.LogLevel, cfg.LogFormat), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown LOG_BACKEND '%s'", cfg.LogBackend)
	}
}

// NewMetrics builds the metrics backend selected by METRICS_BACKEND. Both
// backends are exposed in the Prometheus text format by the returned
// handler.
func NewMetrics(cfg *config.Config, namespace string) (metrics.Factory, http.Handler, io.Closer) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.MetricsBackend == "tally" {
		reporter := tallyprom.NewReporter(tallyprom.Options{
			Registerer: registry,
			Gatherer:   registry,
		})
		scope, closer := tally.NewRootScope(tally.ScopeOptions{
			Prefix:         namespace,
			CachedReporter: reporter,
			Separator:      tallyprom.DefaultSeparator,
		}, tallyReportInterval)
		return &tallyadapter.Factory{Scope: scope}, reporter.HTTPHandler(), closer
	}

	f := &promadapter.Factory{Namespace: namespace, Registerer: registry}
	return f, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}), nopCloser{}
}

// NewPool opens a pgx pool and checks it can reach the database.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return db, nil
}
