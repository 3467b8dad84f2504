package domain

import "context"

// TransactionView provides read-only access to inventory state. Returned
// values are copies; relation attributes come back with Related populated.
type TransactionView interface {
	FindEntity(id string) (Entity, bool)
	FindEntityByName(name string) (Entity, bool)
	ListEntities() []Entity
	// WasDeleted reports whether id belonged to an entity that has since been deleted.
	WasDeleted(id string) bool
	// Attributes returns the entity's own attributes matching filter, in insertion order.
	Attributes(entityID string, filter AttrFilter) []Attribute
	// References returns attributes on any entity whose relation value points at entityID.
	References(entityID string, filter AttrFilter) []Attribute
	// FindAttributes scans every entity's attributes.
	FindAttributes(filter AttrFilter) []Attribute
}

// Transaction exposes the mutations a persistence implementation must support
// within an atomic scope.
type Transaction interface {
	TransactionView
	CreateEntity(Entity) (Entity, error)
	// DeleteEntity removes the entity, its attributes, every relation attribute
	// targeting it, and internal attributes whose subkey names it.
	DeleteEntity(id string) error
	AddAttribute(Attribute) (Attribute, error)
	RemoveAttributes(entityID string, filter AttrFilter) (int, error)
}

// Session is an explicit transactional scope. Exactly one of Commit or
// Rollback ends it; Rollback after Commit is a no-op.
type Session interface {
	Transaction
	Commit(ctx context.Context) (Result, error)
	Rollback()
}

// PersistentStore is the abstraction over memory and durable backends.
type PersistentStore interface {
	Begin(ctx context.Context) (Session, error)
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
