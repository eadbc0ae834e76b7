package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/listashare/eventrelay/consumer"
	"github.com/listashare/eventrelay/outbox"
)

const (
	DefaultTTL = 7 * 24 * time.Hour
	keyPrefix  = "processed:"
)

// client is the subset of *goredis.Client used by the deduplicator.
type client interface {
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
}

// Deduplicator keeps one expiring key per processed (consumer, event). Keys
// outlive any realistic redelivery window and then vanish.
type Deduplicator struct {
	client client
	ttl    time.Duration
}

var _ consumer.Deduplicator = (*Deduplicator)(nil)

func New(c client, ttl time.Duration) *Deduplicator {
	if c == nil {
		panic("redis client is mandatory")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduplicator{client: c, ttl: ttl}
}

func key(consumer string, eventId uuid.UUID) string {
	return keyPrefix + consumer + ":" + eventId.String()
}

func (d *Deduplicator) Processed(ctx context.Context, consumer string, eventId uuid.UUID) (bool, error) {
	n, err := d.client.Exists(ctx, key(consumer, eventId)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: processed lookup: %w", outbox.ErrPersistence, err)
	}
	return n > 0, nil
}

func (d *Deduplicator) MarkProcessed(ctx context.Context, consumer string, eventId uuid.UUID) error {
	if err := d.client.SetNX(ctx, key(consumer, eventId), time.Now().Unix(), d.ttl).Err(); err != nil {
		return fmt.Errorf("%w: mark processed: %w", outbox.ErrPersistence, err)
	}
	return nil
}
