package core

import (
	"context"
	"slices"

	"rackcore/pkg/domain"
)

// Reader answers queries against one consistent view of the inventory.
type Reader struct {
	view TransactionView
}

// Tx is a Reader plus the mutations of one transaction.
type Tx struct {
	Reader
	tx Transaction
}

// resolve re-reads e by ID, distinguishing deleted entities from unknown ones.
func (r Reader) resolve(op string, e Entity) (Entity, error) {
	if e.ID != "" {
		if current, ok := r.view.FindEntity(e.ID); ok {
			return current, nil
		}
		if r.view.WasDeleted(e.ID) {
			return Entity{}, domain.NewError(domain.ErrInvalidState, op, e.ID, "entity %q was deleted", e.Name)
		}
	}
	return Entity{}, domain.NewError(domain.ErrNotFound, op, e.ID, "no entity %q", e.Name)
}

// driverOf returns the driver spec of e; unknown drivers expose no capabilities.
func driverOf(e Entity) domain.DriverSpec {
	spec, ok := domain.LookupDriver(e.Driver)
	if !ok {
		return domain.DriverSpec{Name: e.Driver, Type: e.Type}
	}
	return spec
}

func (r Reader) require(op string, e Entity, capability domain.Capability) (Entity, domain.DriverSpec, error) {
	current, err := r.resolve(op, e)
	if err != nil {
		return Entity{}, domain.DriverSpec{}, err
	}
	spec := driverOf(current)
	if !spec.Has(capability) {
		return Entity{}, domain.DriverSpec{}, domain.NewError(domain.ErrTypeMismatch, op, current.Name, "driver %s lacks capability %s", current.Driver, capability)
	}
	return current, spec, nil
}

// GetByName looks up an entity by its unique name.
func (r Reader) GetByName(name string) (Entity, error) {
	e, ok := r.view.FindEntityByName(name)
	if !ok {
		return Entity{}, domain.NewError(domain.ErrNotFound, "get_by_name", name, "no such entity")
	}
	return e, nil
}

// Get re-reads an entity handle.
func (r Reader) Get(e Entity) (Entity, error) {
	return r.resolve("get_entity", e)
}

// ListEntities returns entities ordered by name, restricted to drivers when any are given.
func (r Reader) ListEntities(drivers ...string) []Entity {
	all := r.view.ListEntities()
	if len(drivers) == 0 {
		return all
	}
	out := all[:0:0]
	for _, e := range all {
		if slices.Contains(drivers, e.Driver) {
			out = append(out, e)
		}
	}
	return out
}

// FindByAttr returns every entity holding an attribute matching filter, once
// each, in order of its first matching attribute.
func (r Reader) FindByAttr(filter AttrFilter) []Entity {
	seen := make(map[string]struct{})
	var out []Entity
	for _, a := range r.view.FindAttributes(filter) {
		if _, dup := seen[a.EntityID]; dup {
			continue
		}
		seen[a.EntityID] = struct{}{}
		if e, ok := r.view.FindEntity(a.EntityID); ok {
			out = append(out, e)
		}
	}
	return out
}

// Attrs returns e's own attributes matching filter in insertion order.
func (r Reader) Attrs(e Entity, filter AttrFilter) ([]Attribute, error) {
	current, err := r.resolve("get_attrs", e)
	if err != nil {
		return nil, err
	}
	return r.view.Attributes(current.ID, filter), nil
}

// References returns every attribute, on any entity, whose value points at e.
func (r Reader) References(e Entity, filter AttrFilter) ([]Attribute, error) {
	current, err := r.resolve("references", e)
	if err != nil {
		return nil, err
	}
	return r.view.References(current.ID, filter), nil
}

// Create registers a new entity. The name must be unused and the driver known.
func (t *Tx) Create(name, driver string) (Entity, error) {
	spec, ok := domain.LookupDriver(driver)
	if !ok {
		return Entity{}, domain.NewError(domain.ErrNotFound, "create_entity", name, "unknown driver %q", driver)
	}
	return t.tx.CreateEntity(Entity{Name: name, Type: spec.Type, Driver: spec.Name})
}

// GetOrCreate returns the entity called name, creating it when absent. An
// existing entity with a different driver is a TypeMismatch.
func (t *Tx) GetOrCreate(name, driver string) (Entity, error) {
	if existing, ok := t.view.FindEntityByName(name); ok {
		if existing.Driver != driver {
			return Entity{}, domain.NewError(domain.ErrTypeMismatch, "get_or_create", name, "exists with driver %s, want %s", existing.Driver, driver)
		}
		return existing, nil
	}
	return t.Create(name, driver)
}

// Delete removes e together with its attributes and every attribute elsewhere
// that references it or is keyed on it.
func (t *Tx) Delete(e Entity) error {
	current, err := t.resolve("delete_entity", e)
	if err != nil {
		return err
	}
	return t.tx.DeleteEntity(current.ID)
}

// reservedKey rejects keys owned by pool, weight, and allocation bookkeeping.
func reservedKey(op string, e Entity, key string) error {
	if domain.IsInternalKey(key) {
		return domain.NewError(domain.ErrTypeMismatch, op, e.Name, "attribute key %q is reserved", key)
	}
	return nil
}

// AddAttr appends attr to e. The store assigns the attribute ID.
func (t *Tx) AddAttr(e Entity, attr Attribute) (Attribute, error) {
	attr.EntityID = e.ID
	if e.ID == "" {
		return Attribute{}, domain.NewError(domain.ErrNotFound, "add_attr", e.Name, "entity has no id")
	}
	if err := reservedKey("add_attr", e, attr.Key); err != nil {
		return Attribute{}, err
	}
	return t.tx.AddAttribute(attr)
}

// SetAttr replaces every attribute of e in attr's key/subkey/number slot with attr.
func (t *Tx) SetAttr(e Entity, attr Attribute) (Attribute, error) {
	current, err := t.resolve("set_attr", e)
	if err != nil {
		return Attribute{}, err
	}
	if err := reservedKey("set_attr", current, attr.Key); err != nil {
		return Attribute{}, err
	}
	filter := domain.Key(attr.Key).WithSubkey(attr.Subkey)
	if attr.Number != nil {
		filter = filter.WithNumber(*attr.Number)
	}
	if _, err := t.tx.RemoveAttributes(current.ID, filter); err != nil {
		return Attribute{}, err
	}
	return t.AddAttr(current, attr)
}

// RemoveAttrs deletes e's attributes matching filter and reports how many went.
// Reserved keys cannot be named; a keyless filter leaves them in place.
func (t *Tx) RemoveAttrs(e Entity, filter AttrFilter) (int, error) {
	current, err := t.resolve("remove_attrs", e)
	if err != nil {
		return 0, err
	}
	if filter.Key != "" {
		if err := reservedKey("remove_attrs", current, filter.Key); err != nil {
			return 0, err
		}
		return t.tx.RemoveAttributes(current.ID, filter)
	}
	removed := 0
	for _, a := range t.view.Attributes(current.ID, filter) {
		if a.Internal() {
			continue
		}
		exact := domain.Key(a.Key).WithSubkey(a.Subkey).WithValue(a.Value)
		if a.Number != nil {
			exact = exact.WithNumber(*a.Number)
		}
		n, err := t.tx.RemoveAttributes(current.ID, exact)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// Create registers a new entity named name with the given driver.
func (s *Service) Create(ctx context.Context, name, driver string) (Entity, error) {
	var created Entity
	err := s.write(ctx, "create_entity", name, func(tx *Tx) (string, error) {
		var err error
		created, err = tx.Create(name, driver)
		return created.ID, err
	})
	return created, err
}

// GetOrCreate returns the entity called name, creating it with driver when absent.
func (s *Service) GetOrCreate(ctx context.Context, name, driver string) (Entity, error) {
	var e Entity
	err := s.write(ctx, "get_or_create", name, func(tx *Tx) (string, error) {
		var err error
		e, err = tx.GetOrCreate(name, driver)
		return e.ID, err
	})
	return e, err
}

// GetByName looks up an entity by name.
func (s *Service) GetByName(ctx context.Context, name string) (Entity, error) {
	var e Entity
	err := s.read(ctx, "get_by_name", name, func(r Reader) error {
		var err error
		e, err = r.GetByName(name)
		return err
	})
	return e, err
}

// Delete removes e and cascades to every attribute tied to it, in one transaction.
func (s *Service) Delete(ctx context.Context, e Entity) error {
	return s.write(ctx, "delete_entity", e.ID, func(tx *Tx) (string, error) {
		return e.ID, tx.Delete(e)
	})
}

// ListEntities lists entities ordered by name, optionally restricted to drivers.
func (s *Service) ListEntities(ctx context.Context, drivers ...string) ([]Entity, error) {
	var out []Entity
	err := s.read(ctx, "list_entities", "", func(r Reader) error {
		out = r.ListEntities(drivers...)
		return nil
	})
	return out, err
}

// FindByAttr returns the entities holding an attribute matching filter.
func (s *Service) FindByAttr(ctx context.Context, filter AttrFilter) ([]Entity, error) {
	var out []Entity
	err := s.read(ctx, "find_by_attr", filter.Key, func(r Reader) error {
		out = r.FindByAttr(filter)
		return nil
	})
	return out, err
}

// AddAttr appends an attribute to e.
func (s *Service) AddAttr(ctx context.Context, e Entity, attr Attribute) (Attribute, error) {
	var added Attribute
	err := s.write(ctx, "add_attr", e.ID, func(tx *Tx) (string, error) {
		var err error
		added, err = tx.AddAttr(e, attr)
		return e.ID, err
	})
	return added, err
}

// SetAttr replaces the attributes in attr's slot with attr.
func (s *Service) SetAttr(ctx context.Context, e Entity, attr Attribute) (Attribute, error) {
	var set Attribute
	err := s.write(ctx, "set_attr", e.ID, func(tx *Tx) (string, error) {
		var err error
		set, err = tx.SetAttr(e, attr)
		return e.ID, err
	})
	return set, err
}

// Attrs returns e's own attributes matching filter.
func (s *Service) Attrs(ctx context.Context, e Entity, filter AttrFilter) ([]Attribute, error) {
	var out []Attribute
	err := s.read(ctx, "get_attrs", e.ID, func(r Reader) error {
		var err error
		out, err = r.Attrs(e, filter)
		return err
	})
	return out, err
}

// RemoveAttrs deletes e's attributes matching filter.
func (s *Service) RemoveAttrs(ctx context.Context, e Entity, filter AttrFilter) (int, error) {
	var n int
	err := s.write(ctx, "remove_attrs", e.ID, func(tx *Tx) (string, error) {
		var err error
		n, err = tx.RemoveAttrs(e, filter)
		return e.ID, err
	})
	return n, err
}

// References returns every attribute pointing at e.
func (s *Service) References(ctx context.Context, e Entity, filter AttrFilter) ([]Attribute, error) {
	var out []Attribute
	err := s.read(ctx, "references", e.ID, func(r Reader) error {
		var err error
		out, err = r.References(e, filter)
		return err
	})
	return out, err
}
