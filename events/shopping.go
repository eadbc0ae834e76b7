package events

// Aggregate types of the shopping-list domain.
const (
	AggregateLista    = "Lista"
	AggregateProducto = "Producto"
)

// Event types emitted by the shopping-list use cases.
const (
	ListaCreatedEvent      = "ListaCreatedEvent"
	ListaSharedEvent       = "ListaSharedEvent"
	ListaDeletedEvent      = "ListaDeletedEvent"
	ProductoAddedEvent     = "ProductoAddedEvent"
	ProductoUpdatedEvent   = "ProductoUpdatedEvent"
	ProductoPurchasedEvent = "ProductoPurchasedEvent"
	ProductoDeletedEvent   = "ProductoDeletedEvent"
)

// KnownTypes lists every event type this module knows how to route.
var KnownTypes = []string{
	ListaCreatedEvent,
	ListaSharedEvent,
	ListaDeletedEvent,
	ProductoAddedEvent,
	ProductoUpdatedEvent,
	ProductoPurchasedEvent,
	ProductoDeletedEvent,
}

type ListaShared struct {
	ListaId    string `json:"listaId"`
	Nombre     string `json:"nombre"`
	SharedWith string `json:"sharedWith"`
	Permiso    string `json:"permiso"`
}

type ProductoAdded struct {
	ListaId    string  `json:"listaId"`
	ProductoId string  `json:"productoId"`
	Nombre     string  `json:"nombre"`
	Cantidad   float64 `json:"cantidad"`
}

type ProductoDeleted struct {
	ListaId    string `json:"listaId"`
	ProductoId string `json:"productoId"`
	Nombre     string `json:"nombre"`
}
