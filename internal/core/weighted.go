package core

import (
	"context"

	"rackcore/pkg/domain"
)

func intAttr(attrs []Attribute) (int64, bool) {
	for _, a := range attrs {
		if a.Value.Type == domain.TypeInt {
			return a.Value.Int, true
		}
	}
	return 0, false
}

// DefaultWeight returns the pool-wide weight applied to members without an
// explicit one. The bool is false when no default is set.
func (r Reader) DefaultWeight(pool Entity) (int64, bool, error) {
	p, _, err := r.require("default_weight", pool, domain.CapWeighted)
	if err != nil {
		return 0, false, err
	}
	w, ok := intAttr(r.view.Attributes(p.ID, domain.Key(domain.KeyDefaultWeight)))
	return w, ok, nil
}

// Weight returns member's weight in pool, falling back to the pool default.
// A non-member is NotFound; a member with neither weight nor default reports false.
func (r Reader) Weight(pool, member Entity) (int64, bool, error) {
	p, _, err := r.require("get_weight", pool, domain.CapWeighted)
	if err != nil {
		return 0, false, err
	}
	m, err := r.resolve("get_weight", member)
	if err != nil {
		return 0, false, err
	}
	if !r.isMember(p, m) {
		return 0, false, domain.NewError(domain.ErrNotFound, "get_weight", m.Name, "not a member of %s", p.Name)
	}
	if w, ok := intAttr(r.view.Attributes(p.ID, domain.Key(domain.KeyWeight).WithSubkey(m.ID))); ok {
		return w, true, nil
	}
	w, ok := intAttr(r.view.Attributes(p.ID, domain.Key(domain.KeyDefaultWeight)))
	return w, ok, nil
}

// SetWeight records member's explicit weight in pool, replacing any previous one.
func (t *Tx) SetWeight(pool, member Entity, weight int64) error {
	p, _, err := t.require("set_weight", pool, domain.CapWeighted)
	if err != nil {
		return err
	}
	m, err := t.resolve("set_weight", member)
	if err != nil {
		return err
	}
	if !t.isMember(p, m) {
		return domain.NewError(domain.ErrNotFound, "set_weight", m.Name, "not a member of %s", p.Name)
	}
	if _, err := t.tx.RemoveAttributes(p.ID, domain.Key(domain.KeyWeight).WithSubkey(m.ID)); err != nil {
		return err
	}
	_, err = t.tx.AddAttribute(Attribute{EntityID: p.ID, Key: domain.KeyWeight, Subkey: m.ID, Value: domain.IntValue(weight)})
	return err
}

// SetDefaultWeight sets the weight reported for members without an explicit one.
func (t *Tx) SetDefaultWeight(pool Entity, weight int64) error {
	p, _, err := t.require("set_default_weight", pool, domain.CapWeighted)
	if err != nil {
		return err
	}
	if _, err := t.tx.RemoveAttributes(p.ID, domain.Key(domain.KeyDefaultWeight)); err != nil {
		return err
	}
	_, err = t.tx.AddAttribute(Attribute{EntityID: p.ID, Key: domain.KeyDefaultWeight, Value: domain.IntValue(weight)})
	return err
}

// SetWeight records member's weight in pool.
func (s *Service) SetWeight(ctx context.Context, pool, member Entity, weight int64) error {
	return s.write(ctx, "set_weight", pool.ID, func(tx *Tx) (string, error) {
		return pool.ID, tx.SetWeight(pool, member, weight)
	})
}

// Weight returns member's effective weight in pool.
func (s *Service) Weight(ctx context.Context, pool, member Entity) (int64, bool, error) {
	var (
		w  int64
		ok bool
	)
	err := s.read(ctx, "get_weight", pool.ID, func(r Reader) error {
		var err error
		w, ok, err = r.Weight(pool, member)
		return err
	})
	return w, ok, err
}

// SetDefaultWeight sets pool's default member weight.
func (s *Service) SetDefaultWeight(ctx context.Context, pool Entity, weight int64) error {
	return s.write(ctx, "set_default_weight", pool.ID, func(tx *Tx) (string, error) {
		return pool.ID, tx.SetDefaultWeight(pool, weight)
	})
}

// DefaultWeight returns pool's default member weight.
func (s *Service) DefaultWeight(ctx context.Context, pool Entity) (int64, bool, error) {
	var (
		w  int64
		ok bool
	)
	err := s.read(ctx, "default_weight", pool.ID, func(r Reader) error {
		var err error
		w, ok, err = r.DefaultWeight(pool)
		return err
	})
	return w, ok, err
}
