package events

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent describes a state change of an aggregate. Instances are treated
// as immutable values once built: nothing in the pipeline modifies them.
type DomainEvent struct {
	EventId       uuid.UUID    `json:"eventId"`       // globally unique, used for deduplication
	EventType     string       `json:"eventType"`     // the event variant (e.g. "ProductoDeletedEvent")
	AggregateId   string       `json:"aggregateId"`   // the aggregate identifier
	AggregateType string       `json:"aggregateType"` // the aggregate type (e.g. "Producto")
	EventData     RawData      `json:"eventData"`     // event specific payload
	OccurredOn    time.Time    `json:"occurredOn"`    // creation time, orders delivery within an aggregate
	EventVersion  int          `json:"eventVersion"`  // payload schema version
	EventContext  EventContext `json:"eventContext"`  // tracing information
}

// EventContext carries the correlation information of the request that
// produced an event.
type EventContext struct {
	CorrelationId string `json:"correlationId,omitempty"`
	CausationId   string `json:"causationId,omitempty"`
	UserId        string `json:"userId,omitempty"`
}

// AggregateKey identifies the aggregate an event belongs to.
func (e *DomainEvent) AggregateKey() string {
	return e.AggregateType + "/" + e.AggregateId
}
