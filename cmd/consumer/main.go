package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/iancoleman/strcase"
	"github.com/listashare/eventrelay/broker/rabbitmq"
	"github.com/listashare/eventrelay/config"
	"github.com/listashare/eventrelay/consumer"
	dedupepgx "github.com/listashare/eventrelay/consumer/dedupe/pgxv5"
	dedupredis "github.com/listashare/eventrelay/consumer/dedupe/redis"
	"github.com/listashare/eventrelay/handlers/analytics"
	"github.com/listashare/eventrelay/handlers/analytics/clickhouse"
	"github.com/listashare/eventrelay/handlers/notifications"
	"github.com/listashare/eventrelay/internal/app"
	"github.com/listashare/eventrelay/metrics"
	"github.com/listashare/eventrelay/ops"
	"github.com/listashare/eventrelay/outbox"
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
		logger.Error("consumer failed", err)
		flush()
		os.Exit(1)
	}
	flush()
}

func run(ctx context.Context, cfg *config.Config, logger outbox.Logger) error {
	if cfg.BrokerKind != "rabbitmq" {
		return fmt.Errorf("consuming from '%s' is not supported", cfg.BrokerKind)
	}
	factory, metricsHandler, closer := app.NewMetrics(cfg, "consumer")
	defer closer.Close()

	checks := map[string]ops.Check{}
	dedupe, closeDedupe, err := newDeduplicator(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer closeDedupe()

	byQueue := map[string]consumer.Handler{}
	types := map[string][]string{}

	notifier := notifications.NewLogNotifier()
	notifier.SetLogger(logger)
	n := notifications.New(notifier)
	byQueue["notifications"] = consumer.Idempotent("notifications", dedupe, n)
	types["notifications"] = n.EventTypes()

	if cfg.ClickHouseAddr != "" {
		sink, err := clickhouse.Open(cfg.ClickHouseAddr, cfg.ClickHouseDatabase)
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := sink.InitSchema(ctx); err != nil {
			return err
		}
		a := analytics.New(sink)
		byQueue["analytics"] = consumer.Idempotent("analytics", dedupe, a)
		types["analytics"] = a.EventTypes()
	} else {
		logger.Info("CLICKHOUSE_ADDR not set, analytics disabled")
	}

	var consumers []*rabbitmq.Consumer
	for _, q := range cfg.ConsumerQueues {
		h, ok := byQueue[q.Name]
		if !ok {
			logger.Warn(fmt.Sprintf("no handler for queue '%s', skipping it", q.Name))
			continue
		}
		registry := consumer.NewRegistry().Register(h, types[q.Name]...)
		registry.SetLogger(logger)
		c := newConsumer(cfg, q, registry, logger, factory, checks)
		if err := c.Start(ctx); err != nil {
			// the connection keeps retrying and subscribes once it is back.
			logger.Error(fmt.Sprintf("broker unavailable for queue '%s' at startup", q.Name), err)
		}
		consumers = append(consumers, c)
	}
	if len(consumers) == 0 {
		return errors.New("no queue to consume")
	}

	server := ops.NewServer(cfg.OpsAddr, ops.NewRouter(ops.Deps{
		Checks:  checks,
		Metrics: metricsHandler,
		Logger:  logger,
	}), logger)
	server.Start()

	<-ctx.Done()
	logger.Info("shutdown requested")

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Stop())
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs = append(errs, server.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}

// newConsumer gives every queue its own connection, so a slow handler never
// holds back the deliveries of another queue.
func newConsumer(cfg *config.Config, q config.QueueSpec, d rabbitmq.Dispatcher, logger outbox.Logger, factory metrics.Factory, checks map[string]ops.Check) *rabbitmq.Consumer {
	prefix := "consumer_" + strcase.ToSnake(q.Name)
	conn := rabbitmq.NewConnection(rabbitmq.Config{
		URL:      cfg.BrokerURL,
		Exchange: cfg.BrokerExchange,
	}, rabbitmq.WithMetrics(factory.Counter(prefix+"_reconnects"), factory.Gauge(prefix+"_connected")))

	checks["broker:"+q.Name] = func(context.Context) error {
		if !conn.Healthy() {
			return outbox.ErrNotConnected
		}
		return nil
	}

	return rabbitmq.NewConsumer(conn, rabbitmq.ConsumerConfig{
		Queues:          []rabbitmq.Queue{{Name: q.Name, Patterns: q.Patterns}},
		Prefetch:        cfg.ConsumerPrefetch,
		MaxRedeliveries: cfg.ConsumerMaxRedeliveries,
	}, d,
		rabbitmq.WithConsumerLogger(logger),
		rabbitmq.WithConsumerCounters(
			factory.Counter(prefix+"_processed"),
			factory.Counter(prefix+"_redelivered"),
			factory.Counter(prefix+"_dead_lettered"),
		),
	)
}

// newDeduplicator builds the processed-events store selected by
// DEDUPE_BACKEND and registers its health check.
func newDeduplicator(ctx context.Context, cfg *config.Config, checks map[string]ops.Check) (consumer.Deduplicator, func(), error) {
	if cfg.DedupeBackend == "redis" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("unable to reach redis: %w", err)
		}
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return dedupredis.New(client, dedupredis.DefaultTTL), func() { _ = client.Close() }, nil
	}

	pool, err := app.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	checks["database"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	return dedupepgx.New(pool), pool.Close, nil
}
