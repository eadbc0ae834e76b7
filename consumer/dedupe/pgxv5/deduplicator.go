package pgxv5

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/listashare/eventrelay/consumer"
	"github.com/listashare/eventrelay/outbox"
)

const (
	processedSql     = "SELECT EXISTS (SELECT 1 FROM processed_events WHERE consumer = $1 AND event_id = $2)"
	markProcessedSql = "INSERT INTO processed_events (consumer, event_id, processed_at) VALUES ($1, $2, $3) ON CONFLICT (consumer, event_id) DO NOTHING"
)

// dbpool is the subset of pgxpool.Pool used by the deduplicator.
type dbpool interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Deduplicator records processed events in the processed_events table.
type Deduplicator struct {
	db  dbpool
	now func() time.Time
}

var _ consumer.Deduplicator = (*Deduplicator)(nil)

func New(pool dbpool) *Deduplicator {
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Deduplicator{db: pool, now: time.Now}
}

func (d *Deduplicator) Processed(ctx context.Context, consumer string, eventId uuid.UUID) (bool, error) {
	var exists bool
	if err := d.db.QueryRow(ctx, processedSql, consumer, eventId).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: processed lookup: %w", outbox.ErrPersistence, err)
	}
	return exists, nil
}

// MarkProcessed is idempotent: recording the same event twice is not an
// error.
func (d *Deduplicator) MarkProcessed(ctx context.Context, consumer string, eventId uuid.UUID) error {
	if _, err := d.db.Exec(ctx, markProcessedSql, consumer, eventId, d.now().UTC()); err != nil {
		return fmt.Errorf("%w: mark processed: %w", outbox.ErrPersistence, err)
	}
	return nil
}
