package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/listashare/eventrelay/broker/kafka"
	"github.com/listashare/eventrelay/broker/rabbitmq"
	"github.com/listashare/eventrelay/config"
	"github.com/listashare/eventrelay/internal/app"
	"github.com/listashare/eventrelay/metrics"
	"github.com/listashare/eventrelay/ops"
	"github.com/listashare/eventrelay/outbox"
	"github.com/listashare/eventrelay/repository/pgxv5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	logger, flush, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("relay failed", err)
		flush()
		os.Exit(1)
	}
	flush()
}

func run(ctx context.Context, cfg *config.Config, logger outbox.Logger) error {
	factory, metricsHandler, closer := app.NewMetrics(cfg, "relay")
	defer closer.Close()

	pool, err := app.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := pgxv5.New(app.TxKey, pool, pgxv5.WithRetryPolicy(outbox.RetryPolicy{
		MaxAttempts: cfg.RelayMaxAttempts,
		BaseDelay:   cfg.RelayRetryBase,
		MaxDelay:    cfg.RelayRetryMax,
	}))

	checks := map[string]ops.Check{
		"database": func(ctx context.Context) error { return pool.Ping(ctx) },
	}
	publisher, err := newPublisher(ctx, cfg, logger, factory, checks)
	if err != nil {
		return err
	}

	relay := outbox.NewRelay(outbox.Settings{
		PollingInterval:   cfg.RelayPollInterval,
		MaxEventsPerBatch: cfg.RelayBatchSize,
		ClaimTimeout:      cfg.RelayClaimTTL,
	}, store, publisher,
		outbox.WithLogger(logger),
		outbox.WithCounters(factory.Counter("outbox_published"), factory.Counter("outbox_failed"), factory.Counter("outbox_dead")),
		outbox.WithGauges(factory.Gauge("outbox_pending"), factory.Gauge("outbox_dead_records")),
	)

	server := ops.NewServer(cfg.OpsAddr, ops.NewRouter(ops.Deps{
		Outbox:  store,
		Relay:   relay,
		Checks:  checks,
		Metrics: metricsHandler,
		Logger:  logger,
	}), logger)
	server.Start()

	if err := relay.Start(ctx); err != nil {
		return errors.Join(err, publisher.Close())
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	relay.Stop()
	return errors.Join(server.Shutdown(shutdownCtx), publisher.Close())
}

// newPublisher builds the publisher selected by BROKER_ENABLED and
// BROKER_KIND, registering its health check when it has one.
func newPublisher(ctx context.Context, cfg *config.Config, logger outbox.Logger, factory metrics.Factory, checks map[string]ops.Check) (outbox.Publisher, error) {
	if !cfg.BrokerEnabled {
		logger.Warn("broker disabled, outbox records stay pending")
		return outbox.NewNopPublisher(), nil
	}

	switch cfg.BrokerKind {
	case "kafka":
		p, err := kafka.NewProducer(cfg.KafkaBootstrapServers)
		if err != nil {
			return nil, fmt.Errorf("could not create kafka producer: %w", err)
		}
		return kafka.New(p), nil
	default:
		conn := rabbitmq.NewConnection(rabbitmq.Config{
			URL:      cfg.BrokerURL,
			Exchange: cfg.BrokerExchange,
		}, rabbitmq.WithLogger(logger), rabbitmq.WithMetrics(factory.Counter("broker_reconnects"), factory.Gauge("broker_connected")))
		if err := conn.Connect(ctx); err != nil {
			// the connection keeps retrying; records wait in the outbox meanwhile.
			logger.Error("broker unavailable at startup", err)
		}
		p := rabbitmq.NewPublisher(conn)
		checks["broker"] = func(context.Context) error {
			if !p.Healthy() {
				return outbox.ErrNotConnected
			}
			return nil
		}
		return p, nil
	}
}
