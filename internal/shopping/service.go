// Package shopping holds the one use case wired to the outbox: removing a
// product from a list.
package shopping

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
)

const deleteProductoSql = "DELETE FROM productos WHERE id = $1 AND lista_id = $2 RETURNING nombre"

var ErrProductoNotFound = errors.New("producto not found")

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProductoService mutates productos and records the matching events in the
// outbox within the same transaction.
type ProductoService struct {
	db     txBeginner
	store  outbox.Store
	txKey  outbox.TxKey
	logger outbox.Logger
}

var _ outbox.Loggable = (*ProductoService)(nil)

func NewProductoService(db txBeginner, store outbox.Store, txKey outbox.TxKey) *ProductoService {
	if db == nil || store == nil || txKey == nil {
		panic("db, store and txKey are mandatory")
	}
	return &ProductoService{db: db, store: store, txKey: txKey, logger: &outbox.NopLogger{}}
}

// SetLogger sets an optional logger.
func (s *ProductoService) SetLogger(l outbox.Logger) {
	if l != nil {
		s.logger = l
	}
}

// DeleteProducto removes the product and appends a ProductoDeletedEvent. The
// row and the event are committed together or not at all.
func (s *ProductoService) DeleteProducto(ctx context.Context, listaID, productoID, userID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var nombre string
	if err := tx.QueryRow(ctx, deleteProductoSql, productoID, listaID).Scan(&nombre); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProductoNotFound
		}
		return fmt.Errorf("delete producto: %w", err)
	}

	e, err := events.New(events.ProductoDeletedEvent, events.AggregateProducto, productoID,
		events.ProductoDeleted{ListaId: listaID, ProductoId: productoID, Nombre: nombre},
		events.WithContext(events.EventContext{UserId: userID, CorrelationId: CorrelationId(ctx)}))
	if err != nil {
		return err
	}

	// a savepoint keeps the transaction usable if the insert is rejected.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := s.store.Append(context.WithValue(ctx, s.txKey, sp), e); err != nil {
		_ = sp.Rollback(ctx)
		if !errors.Is(err, outbox.ErrDuplicateEvent) {
			return err
		}
		s.logger.Warn(fmt.Sprintf("event '%s' already in the outbox, ignored", e.EventId))
	} else if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type correlationKey struct{}

// WithCorrelationId attaches the request correlation id to ctx.
func WithCorrelationId(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationId(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
