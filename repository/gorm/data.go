package gorm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
)

// outboxRow maps the outbox table.
type outboxRow struct {
	EventId       uuid.UUID `gorm:"primaryKey"`
	EventType     string
	AggregateType string
	AggregateId   string
	EventData     []byte
	OccurredOn    time.Time
	EventVersion  int
	EventContext  []byte
	Status        string
	Attempts      int
	LastError     *string
	NextRetryAt   *time.Time
	ClaimedBy     *uuid.UUID
	ClaimedUntil  *time.Time
	PublishedAt   *time.Time
}

func (outboxRow) TableName() string {
	return "outbox"
}

func (o *outboxRow) toRecord() (*outbox.OutboxRecord, error) {
	r := &outbox.OutboxRecord{
		DomainEvent: events.DomainEvent{
			EventId:       o.EventId,
			EventType:     o.EventType,
			AggregateId:   o.AggregateId,
			AggregateType: o.AggregateType,
			EventData:     events.RawData(o.EventData),
			OccurredOn:    o.OccurredOn,
			EventVersion:  o.EventVersion,
		},
		Status:       outbox.Status(o.Status),
		Attempts:     o.Attempts,
		LastError:    o.LastError,
		NextRetryAt:  o.NextRetryAt,
		ClaimedBy:    o.ClaimedBy,
		ClaimedUntil: o.ClaimedUntil,
		PublishedAt:  o.PublishedAt,
	}
	if len(o.EventContext) > 0 {
		if err := json.Unmarshal(o.EventContext, &r.EventContext); err != nil {
			return nil, fmt.Errorf("%w: event context of '%s': %v", outbox.ErrSerialization, o.EventId, err)
		}
	}
	return r, nil
}

// statusCount is a row of the status aggregation.
type statusCount struct {
	Status string
	Total  int64
}
