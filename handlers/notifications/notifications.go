package notifications

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
)

// Notification is a message addressed to a user or to every member of a
// list ("lista:<id>").
type Notification struct {
	EventId   uuid.UUID
	Recipient string
	Kind      string
	Message   string
	ActorId   string
}

// Notifier delivers notifications (push, email, in-app).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Handler turns shopping-list events into user notifications.
type Handler struct {
	notifier Notifier
}

func New(n Notifier) *Handler {
	if n == nil {
		panic("notifier is mandatory")
	}
	return &Handler{notifier: n}
}

// EventTypes lists the events that produce notifications.
func (h *Handler) EventTypes() []string {
	return []string{events.ProductoDeletedEvent, events.ProductoAddedEvent, events.ListaSharedEvent}
}

func (h *Handler) Handle(ctx context.Context, e *events.DomainEvent) error {
	n := Notification{EventId: e.EventId, Kind: e.EventType, ActorId: e.EventContext.UserId}

	switch e.EventType {
	case events.ProductoDeletedEvent:
		var p events.ProductoDeleted
		if err := decode(e, &p); err != nil {
			return err
		}
		n.Recipient = listRecipient(p.ListaId)
		n.Message = fmt.Sprintf("'%s' was removed from the list", p.Nombre)
	case events.ProductoAddedEvent:
		var p events.ProductoAdded
		if err := decode(e, &p); err != nil {
			return err
		}
		n.Recipient = listRecipient(p.ListaId)
		n.Message = fmt.Sprintf("'%s' (x%g) was added to the list", p.Nombre, p.Cantidad)
	case events.ListaSharedEvent:
		var p events.ListaShared
		if err := decode(e, &p); err != nil {
			return err
		}
		n.Recipient = p.SharedWith
		n.Message = fmt.Sprintf("the list '%s' was shared with you (%s)", p.Nombre, p.Permiso)
	default:
		return nil
	}

	return h.notifier.Notify(ctx, n)
}

func listRecipient(listaId string) string {
	return "lista:" + listaId
}

func decode(e *events.DomainEvent, v any) error {
	if err := e.EventData.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", events.ErrSerialization, e.EventType, err)
	}
	return nil
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	logger outbox.Logger
}

var _ Notifier = (*LogNotifier)(nil)
var _ outbox.Loggable = (*LogNotifier)(nil)

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: &outbox.NopLogger{}}
}

// SetLogger sets an optional logger.
func (l *LogNotifier) SetLogger(lg outbox.Logger) {
	if lg != nil {
		l.logger = lg
	}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info(fmt.Sprintf("notification for '%s' [%s]: %s", n.Recipient, n.Kind, n.Message))
	return nil
}
