package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
	"github.com/listashare/eventrelay/repository"
	"gorm.io/gorm"
)

type Repository struct {
	txKey  outbox.TxKey
	db     *gorm.DB
	policy outbox.RetryPolicy
	logger outbox.Logger
}

var _ outbox.Loggable = (*Repository)(nil)
var _ outbox.Store = (*Repository)(nil)

// opt allows optional configuration.
type opt func(r *Repository)

// WithRetryPolicy sets the policy applied by MarkFailed.
func WithRetryPolicy(p outbox.RetryPolicy) opt {
	return func(r *Repository) {
		r.policy = p.WithDefaults()
	}
}

func New(txKey outbox.TxKey, db *gorm.DB, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	r := &Repository{
		txKey:  txKey,
		db:     db,
		policy: outbox.RetryPolicy{}.WithDefaults(),
		logger: &outbox.NopLogger{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l outbox.Logger) {
	r.logger = l
}

// Append persists the event in the same business transaction that should be
// present in the context. The expected transaction should be a pointer to an
// instance of gorm.DB.
func (r *Repository) Append(ctx context.Context, e *events.DomainEvent) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return fmt.Errorf("%w: a *gorm.DB transaction was expected", outbox.ErrPersistence)
	}
	args, err := repository.InsertArgs(e)
	if err != nil {
		return fmt.Errorf("%w: %w", outbox.ErrPersistence, err)
	}
	err = tx.WithContext(ctx).Exec(repository.InsertOutboxSql, args...).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: '%s'", outbox.ErrDuplicateEvent, e.EventId)
	}
	if err != nil {
		return repository.AppendError(e, err)
	}
	return nil
}

// ClaimBatch leases pending records using row locks that skip the rows other
// relays are claiming at the same time.
func (r *Repository) ClaimBatch(ctx context.Context, owner uuid.UUID, limit int, now time.Time, lease time.Duration) ([]*outbox.OutboxRecord, error) {
	var records []*outbox.OutboxRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(repository.ClaimLockSql, repository.ClaimLockKey).Error; err != nil {
			return fmt.Errorf("claim lock: %w", err)
		}
		rows, err := tx.Raw(repository.ClaimSql, owner, now.Add(lease), now, now, now, now, limit).Rows()
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := repository.ScanRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, repository.Wrap("claim", err)
	}
	repository.SortByOccurrence(records)
	if len(records) > 0 {
		r.logger.Debug(fmt.Sprintf("%d outbox records claimed by '%s'", len(records), owner))
	}
	return records, nil
}

// MarkPublished updates the owner's records in batches.
func (r *Repository) MarkPublished(ctx context.Context, owner uuid.UUID, ids []uuid.UUID, now time.Time) error {
	for _, chunk := range repository.Chunks(ids, repository.MaxIdsPerStatement) {
		err := r.db.WithContext(ctx).Model(&outboxRow{}).
			Where("status = ? AND claimed_by = ? AND event_id IN ?", string(outbox.StatusPending), owner, chunk).
			Updates(map[string]any{
				"status":        string(outbox.StatusPublished),
				"published_at":  now,
				"claimed_by":    nil,
				"claimed_until": nil,
			}).Error
		if err != nil {
			return repository.Wrap("mark published", err)
		}
	}
	return nil
}

// MarkFailed locks the record, applies the retry policy and stores the
// outcome.
func (r *Repository) MarkFailed(ctx context.Context, owner uuid.UUID, id uuid.UUID, cause error, now time.Time) (outbox.Status, error) {
	var result outbox.Status
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var status string
		var attempts int
		var owned bool
		if err := tx.Raw(repository.SelectForFailureSql, owner, id).Row().Scan(&status, &attempts, &owned); err != nil {
			return err
		}
		result = outbox.Status(status)
		if result.Terminal() {
			return nil
		}
		if !owned {
			return fmt.Errorf("%w: '%s' is not claimed by '%s'", outbox.ErrLeaseLost, id, owner)
		}
		f := r.policy.Fail(attempts, cause, now)
		result = f.Status
		return tx.Exec(repository.MarkFailedSql, string(f.Status), f.Attempts, f.LastError, f.NextRetryAt, id, owner).Error
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: '%s'", outbox.ErrNotFound, id)
	}
	if errors.Is(err, outbox.ErrLeaseLost) {
		return result, err
	}
	if err != nil {
		return "", repository.Wrap("mark failed", err)
	}
	return result, nil
}

// Release drops the owner's lease on the provided records.
func (r *Repository) Release(ctx context.Context, owner uuid.UUID, ids []uuid.UUID) error {
	for _, chunk := range repository.Chunks(ids, repository.MaxIdsPerStatement) {
		err := r.db.WithContext(ctx).Model(&outboxRow{}).
			Where("status = ? AND claimed_by = ? AND event_id IN ?", string(outbox.StatusPending), owner, chunk).
			Updates(map[string]any{"claimed_by": nil, "claimed_until": nil}).Error
		if err != nil {
			return repository.Wrap("release", err)
		}
	}
	return nil
}

func (r *Repository) FindDead(ctx context.Context, limit int) ([]*outbox.OutboxRecord, error) {
	var rows []outboxRow
	err := r.db.WithContext(ctx).
		Where("status = ?", string(outbox.StatusDead)).
		Order("occurred_on ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, repository.Wrap("find dead", err)
	}
	records := make([]*outbox.OutboxRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, repository.Wrap("find dead", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Repository) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	var totals []statusCount
	err := r.db.WithContext(ctx).Model(&outboxRow{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&totals).Error
	if err != nil {
		return nil, repository.Wrap("count by status", err)
	}
	counts := make(map[outbox.Status]int64, len(totals))
	for _, t := range totals {
		counts[outbox.Status(t.Status)] = t.Total
	}
	return counts, nil
}
