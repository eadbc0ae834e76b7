// Package repository holds what the outbox.Store implementations share: the
// SQL statements (written with '?' placeholders), row mapping and error
// classification.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
)

// ClaimLockKey is the advisory lock taken by claiming transactions. Claims
// are serialized so that each one sees the leases committed by the previous
// one; publishing is not.
const ClaimLockKey int64 = 0x6f7574626f78

// MaxIdsPerStatement bounds the size of the IN lists built by the batch
// updates.
const MaxIdsPerStatement = 100

const uniqueViolation = "23505"

const outboxColumns = "event_id, event_type, aggregate_type, aggregate_id, event_data, occurred_on, " +
	"event_version, event_context, status, attempts, last_error, next_retry_at, claimed_by, claimed_until, published_at"

const (
	InsertOutboxSql = "INSERT INTO outbox (event_id, event_type, aggregate_type, aggregate_id, event_data, occurred_on, " +
		"event_version, event_context, status, attempts) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', 0)"

	ClaimLockSql = "SELECT pg_advisory_xact_lock(?)"

	// ClaimSql args: owner, claimedUntil, now, now, now, now, limit.
	ClaimSql = "UPDATE outbox SET claimed_by = ?, claimed_until = ? WHERE event_id IN (" +
		"SELECT o.event_id FROM outbox o WHERE o.status = 'PENDING' " +
		"AND (o.next_retry_at IS NULL OR o.next_retry_at <= ?) " +
		"AND (o.claimed_until IS NULL OR o.claimed_until <= ?) " +
		"AND NOT EXISTS (SELECT 1 FROM outbox p WHERE p.aggregate_type = o.aggregate_type " +
		"AND p.aggregate_id = o.aggregate_id AND p.status = 'PENDING' AND p.occurred_on < o.occurred_on " +
		"AND (p.next_retry_at > ? OR p.claimed_until > ?)) " +
		"ORDER BY o.occurred_on ASC LIMIT ? FOR UPDATE SKIP LOCKED) " +
		"RETURNING " + outboxColumns

	// MarkPublishedSql is completed with an IN list. Args: publishedAt, owner, ids...
	MarkPublishedSql = "UPDATE outbox SET status = 'PUBLISHED', published_at = ?, claimed_by = NULL, claimed_until = NULL " +
		"WHERE status = 'PENDING' AND claimed_by = ? AND event_id IN "

	// ReleaseSql is completed with an IN list. Args: owner, ids...
	ReleaseSql = "UPDATE outbox SET claimed_by = NULL, claimed_until = NULL " +
		"WHERE status = 'PENDING' AND claimed_by = ? AND event_id IN "

	// SelectForFailureSql args: owner, id. The third column tells whether
	// owner still holds the claim.
	SelectForFailureSql = "SELECT status, attempts, COALESCE(claimed_by = ?, FALSE) FROM outbox WHERE event_id = ? FOR UPDATE"

	// MarkFailedSql args: status, attempts, lastError, nextRetryAt, id, owner.
	MarkFailedSql = "UPDATE outbox SET status = ?, attempts = ?, last_error = ?, next_retry_at = ?, " +
		"claimed_by = NULL, claimed_until = NULL WHERE event_id = ? AND claimed_by = ?"

	FindDeadSql = "SELECT " + outboxColumns + " FROM outbox WHERE status = 'DEAD' ORDER BY occurred_on ASC LIMIT ?"

	CountByStatusSql = "SELECT status, COUNT(*) FROM outbox GROUP BY status"
)

// Scanner is implemented by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanRecord maps a row selected with the outbox columns.
func ScanRecord(s Scanner) (*outbox.OutboxRecord, error) {
	var (
		r       outbox.OutboxRecord
		data    []byte
		ctxJSON []byte
		status  string
	)
	err := s.Scan(&r.EventId, &r.EventType, &r.AggregateType, &r.AggregateId, &data, &r.OccurredOn,
		&r.EventVersion, &ctxJSON, &status, &r.Attempts, &r.LastError, &r.NextRetryAt,
		&r.ClaimedBy, &r.ClaimedUntil, &r.PublishedAt)
	if err != nil {
		return nil, err
	}
	r.EventData = events.RawData(data)
	r.Status = outbox.Status(status)
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &r.EventContext); err != nil {
			return nil, fmt.Errorf("%w: event context of '%s': %v", outbox.ErrSerialization, r.EventId, err)
		}
	}
	return &r, nil
}

// InsertArgs returns the InsertOutboxSql arguments for an event.
func InsertArgs(e *events.DomainEvent) ([]any, error) {
	if err := events.Validate(e); err != nil {
		return nil, err
	}
	data, err := e.EventData.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", outbox.ErrSerialization, err)
	}
	ctxJSON, err := json.Marshal(e.EventContext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", outbox.ErrSerialization, err)
	}
	return []any{e.EventId, e.EventType, e.AggregateType, e.AggregateId, string(data), e.OccurredOn,
		e.EventVersion, string(ctxJSON)}, nil
}

// AppendError classifies a failed insert.
func AppendError(e *events.DomainEvent, err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: '%s'", outbox.ErrDuplicateEvent, e.EventId)
	}
	return fmt.Errorf("%w: could not persist the outbox record: %w", outbox.ErrPersistence, err)
}

// IsUniqueViolation reports a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// SortByOccurrence restores the occurredOn order, RETURNING does not keep it.
func SortByOccurrence(records []*outbox.OutboxRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].OccurredOn.Before(records[j].OccurredOn)
	})
}

// Chunks splits ids in slices of at most size elements.
func Chunks(ids []uuid.UUID, size int) [][]uuid.UUID {
	var chunks [][]uuid.UUID
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

// InList returns "(?, ?, ...)" with n placeholders.
func InList(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

// IdArgs prepends the given leading arguments to the ids.
func IdArgs(ids []uuid.UUID, leading ...any) []any {
	args := make([]any, 0, len(leading)+len(ids))
	args = append(args, leading...)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

// ConvertToDollarPlaceholder rewrites '?' placeholders as $1, $2, ...
func ConvertToDollarPlaceholder(query string) string {
	var b strings.Builder
	count := 0
	for _, c := range query {
		if c == '?' {
			count++
			fmt.Fprintf(&b, "$%d", count)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Wrap marks err as a storage failure of the named operation.
func Wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", outbox.ErrPersistence, op, err)
}
