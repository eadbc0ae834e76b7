package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
	"github.com/listashare/eventrelay/repository"
)

var (
	insertOutboxSql     = repository.ConvertToDollarPlaceholder(repository.InsertOutboxSql)
	claimLockSql        = repository.ConvertToDollarPlaceholder(repository.ClaimLockSql)
	claimSql            = repository.ConvertToDollarPlaceholder(repository.ClaimSql)
	selectForFailureSql = repository.ConvertToDollarPlaceholder(repository.SelectForFailureSql)
	markFailedSql       = repository.ConvertToDollarPlaceholder(repository.MarkFailedSql)
	findDeadSql         = repository.ConvertToDollarPlaceholder(repository.FindDeadSql)
	countByStatusSql    = repository.CountByStatusSql
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	txKey  outbox.TxKey
	db     dbpool
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

func New(txKey outbox.TxKey, pool dbpool, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	r := &Repository{
		txKey:  txKey,
		db:     pool,
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
// present in the context. The expected transaction should implement the
// pgx.Tx interface.
func (r *Repository) Append(ctx context.Context, e *events.DomainEvent) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return fmt.Errorf("%w: a pgx.Tx transaction was expected", outbox.ErrPersistence)
	}
	args, err := repository.InsertArgs(e)
	if err != nil {
		return fmt.Errorf("%w: %w", outbox.ErrPersistence, err)
	}
	if _, err := tx.Exec(ctx, insertOutboxSql, args...); err != nil {
		return repository.AppendError(e, err)
	}
	return nil
}

// ClaimBatch leases pending records using row locks that skip the rows other
// relays are claiming at the same time.
func (r *Repository) ClaimBatch(ctx context.Context, owner uuid.UUID, limit int, now time.Time, lease time.Duration) ([]*outbox.OutboxRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, repository.Wrap("begin claim", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, claimLockSql, repository.ClaimLockKey); err != nil {
		return nil, repository.Wrap("claim lock", err)
	}

	rows, err := tx.Query(ctx, claimSql, owner, now.Add(lease), now, now, now, now, limit)
	if err != nil {
		return nil, repository.Wrap("claim", err)
	}
	records, err := collect(rows)
	if err != nil {
		return nil, repository.Wrap("claim", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, repository.Wrap("commit claim", err)
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
		query := repository.ConvertToDollarPlaceholder(repository.MarkPublishedSql + repository.InList(len(chunk)))
		if _, err := r.db.Exec(ctx, query, repository.IdArgs(chunk, now, owner)...); err != nil {
			return repository.Wrap("mark published", err)
		}
	}
	return nil
}

// MarkFailed locks the record, applies the retry policy and stores the
// outcome.
func (r *Repository) MarkFailed(ctx context.Context, owner uuid.UUID, id uuid.UUID, cause error, now time.Time) (outbox.Status, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", repository.Wrap("begin mark failed", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	var attempts int
	var owned bool
	err = tx.QueryRow(ctx, selectForFailureSql, owner, id).Scan(&status, &attempts, &owned)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: '%s'", outbox.ErrNotFound, id)
	}
	if err != nil {
		return "", repository.Wrap("mark failed", err)
	}
	if outbox.Status(status).Terminal() {
		return outbox.Status(status), nil
	}
	if !owned {
		return outbox.Status(status), fmt.Errorf("%w: '%s' is not claimed by '%s'", outbox.ErrLeaseLost, id, owner)
	}

	f := r.policy.Fail(attempts, cause, now)
	if _, err := tx.Exec(ctx, markFailedSql, string(f.Status), f.Attempts, f.LastError, f.NextRetryAt, id, owner); err != nil {
		return "", repository.Wrap("mark failed", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", repository.Wrap("commit mark failed", err)
	}
	return f.Status, nil
}

// Release drops the owner's lease on the provided records.
func (r *Repository) Release(ctx context.Context, owner uuid.UUID, ids []uuid.UUID) error {
	for _, chunk := range repository.Chunks(ids, repository.MaxIdsPerStatement) {
		query := repository.ConvertToDollarPlaceholder(repository.ReleaseSql + repository.InList(len(chunk)))
		if _, err := r.db.Exec(ctx, query, repository.IdArgs(chunk, owner)...); err != nil {
			return repository.Wrap("release", err)
		}
	}
	return nil
}

func (r *Repository) FindDead(ctx context.Context, limit int) ([]*outbox.OutboxRecord, error) {
	rows, err := r.db.Query(ctx, findDeadSql, limit)
	if err != nil {
		return nil, repository.Wrap("find dead", err)
	}
	records, err := collect(rows)
	if err != nil {
		return nil, repository.Wrap("find dead", err)
	}
	return records, nil
}

func (r *Repository) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	rows, err := r.db.Query(ctx, countByStatusSql)
	if err != nil {
		return nil, repository.Wrap("count by status", err)
	}
	defer rows.Close()

	counts := map[outbox.Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, repository.Wrap("count by status", err)
		}
		counts[outbox.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, repository.Wrap("count by status", err)
	}
	return counts, nil
}

func collect(rows pgx.Rows) ([]*outbox.OutboxRecord, error) {
	defer rows.Close()
	var records []*outbox.OutboxRecord
	for rows.Next() {
		rec, err := repository.ScanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
