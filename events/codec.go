package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrSerialization reports an event that cannot be encoded to or decoded
	// from the wire format. It is a permanent error: retrying will not help.
	ErrSerialization = errors.New("event serialization failed")

	ErrNilPayload = errors.New("nil payload target")
)

// Marshal encodes an event in the JSON wire format.
func Marshal(e *DomainEvent) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}

// Unmarshal decodes a message body produced by Marshal.
func Unmarshal(body []byte) (*DomainEvent, error) {
	var e DomainEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the mandatory fields of an event.
func Validate(e *DomainEvent) error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrSerialization)
	case e.EventId == uuid.Nil:
		return fmt.Errorf("%w: missing eventId", ErrSerialization)
	case e.EventType == "":
		return fmt.Errorf("%w: missing eventType", ErrSerialization)
	case e.AggregateType == "":
		return fmt.Errorf("%w: missing aggregateType", ErrSerialization)
	case e.AggregateId == "":
		return fmt.Errorf("%w: missing aggregateId", ErrSerialization)
	case e.OccurredOn.IsZero():
		return fmt.Errorf("%w: missing occurredOn", ErrSerialization)
	}
	return nil
}
