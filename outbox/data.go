package outbox

import (
	"time"

	"github.com/google/uuid"
	"github.com/listashare/eventrelay/events"
)

// Status is the delivery state of an outbox record.
type Status string

const (
	StatusPending   Status = "PENDING"   // waiting to be published (initial state, also between retries)
	StatusPublished Status = "PUBLISHED" // accepted by the broker (terminal)
	StatusDead      Status = "DEAD"      // retries exhausted, needs manual intervention (terminal)
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusDead
}

// OutboxRecord contains all the information stored in the underlying outbox
// table: the event itself plus its delivery metadata.
type OutboxRecord struct {
	events.DomainEvent
	Status       Status
	Attempts     int
	LastError    *string
	NextRetryAt  *time.Time
	ClaimedBy    *uuid.UUID // relay instance holding the claim
	ClaimedUntil *time.Time // claim lease expiry
	PublishedAt  *time.Time
}

// NewRecord wraps a freshly appended event.
func NewRecord(e events.DomainEvent) *OutboxRecord {
	return &OutboxRecord{
		DomainEvent: e,
		Status:      StatusPending,
	}
}

// Claimable reports whether the record can be handed to a relay at now,
// ignoring ordering constraints with other records of its aggregate.
func (r *OutboxRecord) Claimable(now time.Time) bool {
	if r.Status != StatusPending {
		return false
	}
	if r.NextRetryAt != nil && r.NextRetryAt.After(now) {
		return false
	}
	return r.ClaimedUntil == nil || !r.ClaimedUntil.After(now)
}

// Blocking reports whether the record, still pending, prevents later events
// of the same aggregate from being claimed at now.
func (r *OutboxRecord) Blocking(now time.Time) bool {
	if r.Status != StatusPending {
		return false
	}
	return (r.NextRetryAt != nil && r.NextRetryAt.After(now)) ||
		(r.ClaimedUntil != nil && r.ClaimedUntil.After(now))
}
