package events

import "strings"

// RoutingKey builds the topic routing key of an event (e.g. for aggregate
// "Producto" and event "ProductoDeletedEvent" the key is
// "producto.productodeletedevent").
func RoutingKey(e *DomainEvent) string {
	return strings.ToLower(e.AggregateType) + "." + strings.ToLower(e.EventType)
}
