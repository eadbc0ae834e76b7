// Package memory provides an in-process outbox.Store. It honours the same
// claim and ordering rules as the SQL stores and backs the relay tests and
// local runs without a database.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
)

// Tx stages appended events until it is committed.
type Tx struct {
	store  *Repository
	staged []*outbox.OutboxRecord
	done   bool
}

// Commit makes the staged events visible to the relay.
func (tx *Tx) Commit() error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	for _, r := range tx.staged {
		if _, ok := tx.store.records[r.EventId]; ok {
			return fmt.Errorf("%w: '%s'", outbox.ErrDuplicateEvent, r.EventId)
		}
	}
	for _, r := range tx.staged {
		tx.store.records[r.EventId] = r
	}
	return nil
}

// Rollback discards the staged events.
func (tx *Tx) Rollback() error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.done = true
	tx.staged = nil
	return nil
}

type Repository struct {
	txKey  outbox.TxKey
	policy outbox.RetryPolicy
	logger outbox.Logger

	mu      sync.Mutex
	records map[uuid.UUID]*outbox.OutboxRecord
}

var _ outbox.Store = (*Repository)(nil)
var _ outbox.Loggable = (*Repository)(nil)

func New(txKey outbox.TxKey, policy outbox.RetryPolicy) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	return &Repository{
		txKey:   txKey,
		policy:  policy.WithDefaults(),
		logger:  &outbox.NopLogger{},
		records: map[uuid.UUID]*outbox.OutboxRecord{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l outbox.Logger) {
	r.logger = l
}

// Begin starts a transaction to be placed in the context passed to Append.
func (r *Repository) Begin() *Tx {
	return &Tx{store: r}
}

// Append stages the event in the *Tx found in the context.
func (r *Repository) Append(ctx context.Context, e *events.DomainEvent) error {
	tx, ok := ctx.Value(r.txKey).(*Tx)
	if !ok {
		return fmt.Errorf("%w: a *memory.Tx transaction was expected", outbox.ErrPersistence)
	}
	if err := events.Validate(e); err != nil {
		return fmt.Errorf("%w: %w", outbox.ErrPersistence, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tx.done {
		return fmt.Errorf("%w: transaction already finished", outbox.ErrPersistence)
	}
	if _, exists := r.records[e.EventId]; exists {
		return fmt.Errorf("%w: '%s'", outbox.ErrDuplicateEvent, e.EventId)
	}
	for _, s := range tx.staged {
		if s.EventId == e.EventId {
			return fmt.Errorf("%w: '%s'", outbox.ErrDuplicateEvent, e.EventId)
		}
	}
	tx.staged = append(tx.staged, outbox.NewRecord(*e))
	return nil
}

// ClaimBatch leases the due records in occurredOn order.
func (r *Repository) ClaimBatch(_ context.Context, owner uuid.UUID, limit int, now time.Time, lease time.Duration) ([]*outbox.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := r.ordered()
	blocked := map[string]bool{}
	var candidates []*outbox.OutboxRecord
	for _, rec := range ordered {
		key := rec.AggregateKey()
		if rec.Claimable(now) && !blocked[key] && len(candidates) < limit {
			candidates = append(candidates, rec)
		}
		if rec.Blocking(now) {
			blocked[key] = true
		}
	}

	until := now.Add(lease)
	claimed := make([]*outbox.OutboxRecord, 0, len(candidates))
	for _, rec := range candidates {
		o := owner
		u := until
		rec.ClaimedBy = &o
		rec.ClaimedUntil = &u
		cp := *rec
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// MarkPublished flips the owner's pending records to PUBLISHED.
func (r *Repository) MarkPublished(_ context.Context, owner uuid.UUID, ids []uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		rec, ok := r.records[id]
		if !ok || rec.Status != outbox.StatusPending || !claimedBy(rec, owner) {
			continue
		}
		at := now
		rec.Status = outbox.StatusPublished
		rec.PublishedAt = &at
		rec.ClaimedBy = nil
		rec.ClaimedUntil = nil
	}
	return nil
}

// MarkFailed applies the retry policy to the record.
func (r *Repository) MarkFailed(_ context.Context, owner uuid.UUID, id uuid.UUID, cause error, now time.Time) (outbox.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return "", fmt.Errorf("%w: '%s'", outbox.ErrNotFound, id)
	}
	if rec.Status.Terminal() {
		return rec.Status, nil
	}
	if !claimedBy(rec, owner) {
		return rec.Status, fmt.Errorf("%w: '%s' is not claimed by '%s'", outbox.ErrLeaseLost, id, owner)
	}
	r.policy.Fail(rec.Attempts, cause, now).Apply(rec)
	return rec.Status, nil
}

// Release drops the owner's lease.
func (r *Repository) Release(_ context.Context, owner uuid.UUID, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		rec, ok := r.records[id]
		if !ok || rec.Status != outbox.StatusPending || !claimedBy(rec, owner) {
			continue
		}
		rec.ClaimedBy = nil
		rec.ClaimedUntil = nil
	}
	return nil
}

func (r *Repository) FindDead(_ context.Context, limit int) ([]*outbox.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dead []*outbox.OutboxRecord
	for _, rec := range r.ordered() {
		if len(dead) == limit {
			break
		}
		if rec.Status == outbox.StatusDead {
			cp := *rec
			dead = append(dead, &cp)
		}
	}
	return dead, nil
}

func (r *Repository) CountByStatus(_ context.Context) (map[outbox.Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[outbox.Status]int64{}
	for _, rec := range r.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// Get returns a copy of a record.
func (r *Repository) Get(id uuid.UUID) (*outbox.OutboxRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func claimedBy(rec *outbox.OutboxRecord, owner uuid.UUID) bool {
	return rec.ClaimedBy != nil && *rec.ClaimedBy == owner
}

// ordered returns the records by occurredOn, eventId breaking ties.
func (r *Repository) ordered() []*outbox.OutboxRecord {
	all := make([]*outbox.OutboxRecord, 0, len(r.records))
	for _, rec := range r.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].OccurredOn.Equal(all[j].OccurredOn) {
			return all[i].EventId.String() < all[j].EventId.String()
		}
		return all[i].OccurredOn.Before(all[j].OccurredOn)
	})
	return all
}
