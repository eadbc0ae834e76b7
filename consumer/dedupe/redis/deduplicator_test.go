package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/listashare/eventrelay/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	keys   map[string]time.Duration
	err    error
	setNXs int
}

func (f *fakeClient) Exists(_ context.Context, keys ...string) *goredis.IntCmd {
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeClient) SetNX(_ context.Context, key string, _ interface{}, expiration time.Duration) *goredis.BoolCmd {
	f.setNXs++
	if f.err != nil {
		return goredis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.keys[key] = expiration
	return goredis.NewBoolResult(true, nil)
}

func TestNew(t *testing.T) {
	assert.Panics(t, func() { New(nil, time.Hour) })
	assert.Equal(t, DefaultTTL, New(&fakeClient{}, 0).ttl)
}

func TestDeduplicator(t *testing.T) {
	c := &fakeClient{keys: map[string]time.Duration{}}
	d := New(c, time.Hour)
	ctx := context.Background()
	id := uuid.New()

	done, err := d.Processed(ctx, "notifications", id)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, d.MarkProcessed(ctx, "notifications", id))
	require.NoError(t, d.MarkProcessed(ctx, "notifications", id))

	done, err = d.Processed(ctx, "notifications", id)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, time.Hour, c.keys["processed:notifications:"+id.String()])

	done, err = d.Processed(ctx, "analytics", id)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestDeduplicatorErrors(t *testing.T) {
	c := &fakeClient{keys: map[string]time.Duration{}, err: errors.New("i/o timeout")}
	d := New(c, time.Hour)

	_, err := d.Processed(context.Background(), "n", uuid.New())
	assert.ErrorIs(t, err, outbox.ErrPersistence)

	err = d.MarkProcessed(context.Background(), "n", uuid.New())
	assert.ErrorIs(t, err, outbox.ErrPersistence)
	assert.Equal(t, 1, c.setNXs)
}
