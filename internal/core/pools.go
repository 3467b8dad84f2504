package core

import (
	"context"
	"slices"

	"rackcore/pkg/domain"
)

// members returns the direct members of pool in insertion order.
func (r Reader) members(pool Entity) []Entity {
	edges := r.view.Attributes(pool.ID, domain.Key(domain.KeyContents))
	out := make([]Entity, 0, len(edges))
	for _, edge := range edges {
		if edge.Related != nil {
			out = append(out, *edge.Related)
		}
	}
	return out
}

// containers returns the pools directly containing id, ordered by when the
// membership edge was created.
func (r Reader) containers(id string) []Entity {
	edges := r.view.References(id, domain.Key(domain.KeyContents))
	out := make([]Entity, 0, len(edges))
	for _, edge := range edges {
		if owner, ok := r.view.FindEntity(edge.EntityID); ok {
			out = append(out, owner)
		}
	}
	return out
}

func (r Reader) isMember(pool, member Entity) bool {
	return len(r.view.Attributes(pool.ID, domain.Key(domain.KeyContents).WithValue(domain.RelationValue(member)))) > 0
}

// Contents returns the direct members of pool in insertion order. When tags
// are given only members whose driver or type matches one of them are returned.
func (r Reader) Contents(pool Entity, tags ...string) ([]Entity, error) {
	current, _, err := r.require("contents", pool, domain.CapPool)
	if err != nil {
		return nil, err
	}
	members := r.members(current)
	if len(tags) == 0 {
		return members, nil
	}
	out := members[:0:0]
	for _, m := range members {
		if slices.Contains(tags, m.Driver) || slices.Contains(tags, m.Type) {
			out = append(out, m)
		}
	}
	return out, nil
}

type poolStep struct {
	pool Entity
	path map[string]struct{}
}

// Pools returns the pools containing e. Without all, only the direct
// containers are returned. With all, containers are expanded level by level
// in discovery order without deduplication; a pool reachable along two paths
// appears twice. A pool that recurs on its own expansion path fails with
// CycleDetected.
func (r Reader) Pools(e Entity, all bool) ([]Entity, error) {
	current, err := r.resolve("get_pools", e)
	if err != nil {
		return nil, err
	}
	direct := r.containers(current.ID)
	if !all {
		return direct, nil
	}
	root := map[string]struct{}{current.ID: {}}
	queue := make([]poolStep, 0, len(direct))
	for _, p := range direct {
		queue = append(queue, poolStep{pool: p, path: root})
	}
	var out []Entity
	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]
		if _, repeated := step.path[step.pool.ID]; repeated {
			return nil, domain.NewError(domain.ErrCycleDetected, "get_pools", current.Name, "pool %s contains itself", step.pool.Name)
		}
		out = append(out, step.pool)
		path := make(map[string]struct{}, len(step.path)+1)
		for id := range step.path {
			path[id] = struct{}{}
		}
		path[step.pool.ID] = struct{}{}
		for _, parent := range r.containers(step.pool.ID) {
			queue = append(queue, poolStep{pool: parent, path: path})
		}
	}
	return out, nil
}

// MergedAttrs returns e's own attributes matching filter followed by the
// attributes inherited from its containers. For each key the first source in
// [e, Pools(e, true)...] that defines it supplies every attribute under that
// key; later sources are shadowed. Internal keys are never inherited.
func (r Reader) MergedAttrs(e Entity, filter AttrFilter) ([]Attribute, error) {
	current, err := r.resolve("merged_attrs", e)
	if err != nil {
		return nil, err
	}
	pools, err := r.Pools(current, true)
	if err != nil {
		return nil, err
	}
	out := r.view.Attributes(current.ID, filter)
	claimed := make(map[string]struct{}, len(out))
	for _, a := range out {
		claimed[a.Key] = struct{}{}
	}
	for _, pool := range pools {
		var fresh []string
		for _, a := range r.view.Attributes(pool.ID, filter) {
			if a.Internal() {
				continue
			}
			if _, taken := claimed[a.Key]; taken {
				continue
			}
			out = append(out, a)
			fresh = append(fresh, a.Key)
		}
		for _, k := range fresh {
			claimed[k] = struct{}{}
		}
	}
	return out, nil
}

// Insert adds member to pool. A member already directly in pool is a Duplicate.
func (t *Tx) Insert(pool, member Entity) error {
	p, _, err := t.require("insert_member", pool, domain.CapPool)
	if err != nil {
		return err
	}
	m, err := t.resolve("insert_member", member)
	if err != nil {
		return err
	}
	if t.isMember(p, m) {
		return domain.NewError(domain.ErrDuplicate, "insert_member", m.Name, "already a member of %s", p.Name)
	}
	_, err = t.tx.AddAttribute(Attribute{EntityID: p.ID, Key: domain.KeyContents, Value: domain.RelationValue(m)})
	return err
}

// Remove deletes the membership edge between pool and member together with
// the member's weight in pool. A non-member is NotFound.
func (t *Tx) Remove(pool, member Entity) error {
	p, _, err := t.require("remove_member", pool, domain.CapPool)
	if err != nil {
		return err
	}
	m, err := t.resolve("remove_member", member)
	if err != nil {
		return err
	}
	n, err := t.tx.RemoveAttributes(p.ID, domain.Key(domain.KeyContents).WithValue(domain.RelationValue(m)))
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewError(domain.ErrNotFound, "remove_member", m.Name, "not a member of %s", p.Name)
	}
	_, err = t.tx.RemoveAttributes(p.ID, domain.Key(domain.KeyWeight).WithSubkey(m.ID))
	return err
}

// Insert adds member to pool.
func (s *Service) Insert(ctx context.Context, pool, member Entity) error {
	return s.write(ctx, "insert_member", pool.ID, func(tx *Tx) (string, error) {
		return pool.ID, tx.Insert(pool, member)
	})
}

// Remove takes member out of pool.
func (s *Service) Remove(ctx context.Context, pool, member Entity) error {
	return s.write(ctx, "remove_member", pool.ID, func(tx *Tx) (string, error) {
		return pool.ID, tx.Remove(pool, member)
	})
}

// Contents lists the direct members of pool, optionally filtered by driver or type.
func (s *Service) Contents(ctx context.Context, pool Entity, tags ...string) ([]Entity, error) {
	var out []Entity
	err := s.read(ctx, "contents", pool.ID, func(r Reader) error {
		var err error
		out, err = r.Contents(pool, tags...)
		return err
	})
	return out, err
}

// Pools lists the pools containing e; see Reader.Pools for ordering.
func (s *Service) Pools(ctx context.Context, e Entity, all bool) ([]Entity, error) {
	var out []Entity
	err := s.read(ctx, "get_pools", e.ID, func(r Reader) error {
		var err error
		out, err = r.Pools(e, all)
		return err
	})
	return out, err
}

// MergedAttrs returns e's attributes merged with those inherited from its containers.
func (s *Service) MergedAttrs(ctx context.Context, e Entity, filter AttrFilter) ([]Attribute, error) {
	var out []Attribute
	err := s.read(ctx, "merged_attrs", e.ID, func(r Reader) error {
		var err error
		out, err = r.MergedAttrs(e, filter)
		return err
	})
	return out, err
}
