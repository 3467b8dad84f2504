package core

import (
	"context"
	"fmt"

	"rackcore/pkg/domain"
)

// maxNameDigits bounds the zero padding of allocated names.
const maxNameDigits = 20

// Property returns e's stored value for the named driver property, or the
// driver default when nothing is stored. Names the driver does not declare
// are a TypeMismatch; the bool is false when neither value nor default exists.
func (r Reader) Property(e Entity, name string) (Value, bool, error) {
	current, err := r.resolve("get_property", e)
	if err != nil {
		return Value{}, false, err
	}
	prop, ok := driverOf(current).Property(name)
	if !ok {
		return Value{}, false, domain.NewError(domain.ErrTypeMismatch, "get_property", current.Name, "driver %s has no property %q", current.Driver, name)
	}
	if attrs := r.view.Attributes(current.ID, domain.Key(name).WithSubkey("")); len(attrs) > 0 {
		return attrs[len(attrs)-1].Value, true, nil
	}
	if prop.Default != nil {
		return *prop.Default, true, nil
	}
	return Value{}, false, nil
}

// SetProperty stores a driver property on e, replacing the previous value.
func (t *Tx) SetProperty(e Entity, name string, value Value) error {
	current, err := t.resolve("set_property", e)
	if err != nil {
		return err
	}
	if _, ok := driverOf(current).Property(name); !ok {
		return domain.NewError(domain.ErrTypeMismatch, "set_property", current.Name, "driver %s has no property %q", current.Driver, name)
	}
	_, err = t.SetAttr(current, Attribute{Key: name, Value: value})
	return err
}

func (r Reader) intProperty(e Entity, name string) (int64, error) {
	v, ok, err := r.Property(e, name)
	if err != nil {
		return 0, err
	}
	if !ok || v.Type != domain.TypeInt {
		return 0, domain.NewError(domain.ErrInvalidState, "allocate_name", e.Name, "property %s must be an integer", name)
	}
	return v.Int, nil
}

// AllocateName creates a new entity with driver named after mgr's basename
// and the next free counter value, zero padded to mgr's digits. Names already
// taken are skipped and the counter advances past the one issued.
func (t *Tx) AllocateName(mgr Entity, driver string) (Entity, error) {
	m, _, err := t.require("allocate_name", mgr, domain.CapNameManager)
	if err != nil {
		return Entity{}, err
	}
	base, ok, err := t.Property(m, "basename")
	if err != nil {
		return Entity{}, err
	}
	if !ok || base.Type != domain.TypeString || base.Str == "" {
		return Entity{}, domain.NewError(domain.ErrInvalidState, "allocate_name", m.Name, "basename is not set")
	}
	digits, err := t.intProperty(m, "digits")
	if err != nil {
		return Entity{}, err
	}
	if digits < 0 || digits > maxNameDigits {
		return Entity{}, domain.NewError(domain.ErrInvalidState, "allocate_name", m.Name, "digits must be between 0 and %d, got %d", maxNameDigits, digits)
	}
	next, err := t.intProperty(m, "next")
	if err != nil {
		return Entity{}, err
	}
	name := fmt.Sprintf("%s%0*d", base.Str, digits, next)
	for {
		if _, taken := t.view.FindEntityByName(name); !taken {
			break
		}
		next++
		name = fmt.Sprintf("%s%0*d", base.Str, digits, next)
	}
	created, err := t.Create(name, driver)
	if err != nil {
		return Entity{}, err
	}
	if err := t.SetProperty(m, "next", domain.IntValue(next+1)); err != nil {
		return Entity{}, err
	}
	return created, nil
}

// AllocateName creates the next entity named by mgr.
func (s *Service) AllocateName(ctx context.Context, mgr Entity, driver string) (Entity, error) {
	var created Entity
	err := s.write(ctx, "allocate_name", mgr.ID, func(tx *Tx) (string, error) {
		var err error
		created, err = tx.AllocateName(mgr, driver)
		return created.ID, err
	})
	return created, err
}

// SetProperty stores a driver property on e.
func (s *Service) SetProperty(ctx context.Context, e Entity, name string, value Value) error {
	return s.write(ctx, "set_property", e.ID, func(tx *Tx) (string, error) {
		return e.ID, tx.SetProperty(e, name, value)
	})
}

// Property reads a driver property of e, falling back to the driver default.
func (s *Service) Property(ctx context.Context, e Entity, name string) (Value, bool, error) {
	var (
		v  Value
		ok bool
	)
	err := s.read(ctx, "get_property", e.ID, func(r Reader) error {
		var err error
		v, ok, err = r.Property(e, name)
		return err
	})
	return v, ok, err
}
