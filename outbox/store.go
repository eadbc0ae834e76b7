package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/listashare/eventrelay/events"
)

// TxKey is the context key under which callers place their business
// transaction before calling Store.Append.
type TxKey any

// Store manages outbox records persistent operations. Append is the only
// operation business code needs; the rest is used by the relay and by
// operational tooling.
type Store interface {

	// Append persists an event in the business transaction present in the
	// context. It fails with ErrDuplicateEvent if the event id already exists
	// and with ErrPersistence otherwise.
	Append(ctx context.Context, e *events.DomainEvent) error

	// ClaimBatch leases up to limit pending records that are due at now to
	// the given owner for the lease duration, ordered by occurredOn. Two
	// owners never hold a lease on the same record, and a record is never
	// returned while an earlier pending record of its aggregate is backing
	// off or leased elsewhere.
	ClaimBatch(ctx context.Context, owner uuid.UUID, limit int, now time.Time, lease time.Duration) ([]*OutboxRecord, error)

	// MarkPublished flips the owner's pending records to PUBLISHED. Ids that
	// are already published or claimed by someone else are ignored.
	MarkPublished(ctx context.Context, owner uuid.UUID, ids []uuid.UUID, now time.Time) error

	// MarkFailed records a failed delivery attempt and returns the
	// resulting status: PENDING with a later nextRetryAt, or DEAD once the
	// retry policy is exhausted or the cause is permanent. Terminal records
	// keep their status. A pending record no longer claimed by owner is left
	// untouched and ErrLeaseLost is returned.
	MarkFailed(ctx context.Context, owner uuid.UUID, id uuid.UUID, cause error, now time.Time) (Status, error)

	// Release drops the owner's lease on records that were not attempted.
	Release(ctx context.Context, owner uuid.UUID, ids []uuid.UUID) error

	// FindDead returns DEAD records, oldest first.
	FindDead(ctx context.Context, limit int) ([]*OutboxRecord, error)

	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
