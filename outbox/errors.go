package outbox

import (
	"errors"
	"fmt"

	"github.com/listashare/eventrelay/events"
)

var (
	// ErrConnection is returned when the broker cannot be reached or the
	// channel was dropped. Transient.
	ErrConnection = errors.New("broker connection error")

	// ErrNotConnected is returned by publishers while they are reconnecting.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrConnection)

	// ErrPublishRejected is returned when the broker refuses a message
	// because of backpressure (blocked connection, NACK, confirm timeout).
	// Transient.
	ErrPublishRejected = errors.New("broker saturated, publish rejected")

	// ErrSerialization reports a malformed event. Permanent.
	ErrSerialization = events.ErrSerialization

	// ErrDuplicateEvent is returned by Store.Append when the event id
	// already exists.
	ErrDuplicateEvent = errors.New("duplicate event id")

	// ErrPersistence wraps any other storage failure.
	ErrPersistence = errors.New("outbox persistence error")

	// ErrNotFound is returned when an operation targets an unknown record.
	ErrNotFound = errors.New("outbox record not found")

	// ErrLeaseLost is returned by MarkFailed when the record is no longer
	// claimed by the caller, usually because its lease expired and another
	// relay claimed it.
	ErrLeaseLost = errors.New("outbox claim lease lost")

	// ErrConsumerHandler wraps business failures raised by message handlers.
	ErrConsumerHandler = errors.New("consumer handler failed")
)

// IsRetryable reports whether a publish failure is expected to go away by
// itself.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrPublishRejected)
}

// IsPermanent reports whether retrying the failed operation can never
// succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrSerialization)
}
