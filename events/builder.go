package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultEventVersion = 1

// opt allows optional configuration of a new event.
type opt func(e *DomainEvent)

// WithContext attaches tracing information.
func WithContext(c EventContext) opt {
	return func(e *DomainEvent) {
		e.EventContext = c
	}
}

// WithVersion overrides the payload schema version.
func WithVersion(v int) opt {
	return func(e *DomainEvent) {
		if v > 0 {
			e.EventVersion = v
		}
	}
}

// WithOccurredOn overrides the creation timestamp.
func WithOccurredOn(t time.Time) opt {
	return func(e *DomainEvent) {
		if !t.IsZero() {
			e.OccurredOn = t.UTC()
		}
	}
}

// WithEventId overrides the generated identifier.
func WithEventId(id uuid.UUID) opt {
	return func(e *DomainEvent) {
		if id != uuid.Nil {
			e.EventId = id
		}
	}
}

// New builds a DomainEvent with a fresh identifier, the current UTC time and
// the JSON encoding of data as payload.
func New(eventType, aggregateType, aggregateId string, data any, options ...opt) (*DomainEvent, error) {
	payload, err := encodeData(data)
	if err != nil {
		return nil, err
	}

	e := &DomainEvent{
		EventId:       uuid.New(),
		EventType:     eventType,
		AggregateId:   aggregateId,
		AggregateType: aggregateType,
		EventData:     payload,
		OccurredOn:    time.Now().UTC(),
		EventVersion:  defaultEventVersion,
	}
	for _, o := range options {
		o(e)
	}

	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

func encodeData(data any) (RawData, error) {
	switch d := data.(type) {
	case nil:
		return RawData("{}"), nil
	case RawData:
		if !json.Valid(d) {
			return nil, fmt.Errorf("%w: invalid eventData", ErrSerialization)
		}
		return d, nil
	case json.RawMessage:
		if !json.Valid(d) {
			return nil, fmt.Errorf("%w: invalid eventData", ErrSerialization)
		}
		return RawData(d), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}
