package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/handlers/analytics"
	"github.com/listashare/eventrelay/outbox"
)

const (
	insertSql = "INSERT INTO events_log (event_id, event_type, aggregate_type, aggregate_id, event_version, correlation_id, user_id, event_data, occurred_on, received_at)"

	schemaSql = `
		CREATE TABLE IF NOT EXISTS events_log (
			event_id       UUID,
			event_type     LowCardinality(String),
			aggregate_type LowCardinality(String),
			aggregate_id   String,
			event_version  UInt16,
			correlation_id String,
			user_id        String,
			event_data     String,
			occurred_on    DateTime64(3),
			received_at    DateTime64(3)
		) ENGINE = ReplacingMergeTree(received_at)
		PARTITION BY toYYYYMM(occurred_on)
		ORDER BY (aggregate_type, event_type, occurred_on, event_id)`
)

// Sink writes events into the events_log table. The ReplacingMergeTree
// engine collapses redelivered copies of the same event.
type Sink struct {
	db  *sql.DB
	now func() time.Time
}

var _ analytics.Sink = (*Sink)(nil)

// Open connects to ClickHouse and checks the connection.
func Open(addr, database string) (*Sink, error) {
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Sink {
	if db == nil {
		panic("db is mandatory")
	}
	return &Sink{db: db, now: time.Now}
}

// InitSchema creates the table if it does not exist.
func (s *Sink) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSql)
	return err
}

func (s *Sink) Record(ctx context.Context, e *events.DomainEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", outbox.ErrPersistence, err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSql)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: prepare: %w", outbox.ErrPersistence, err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx,
		e.EventId,
		e.EventType,
		e.AggregateType,
		e.AggregateId,
		uint16(e.EventVersion),
		e.EventContext.CorrelationId,
		e.EventContext.UserId,
		string(e.EventData),
		e.OccurredOn,
		s.now().UTC(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: event %s: %w", outbox.ErrPersistence, e.EventId, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", outbox.ErrPersistence, err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.db.Close()
}
