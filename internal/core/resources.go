package core

import (
	"context"

	"rackcore/pkg/domain"
)

// Allocation is one recorded placement of a consumer on a host.
type Allocation struct {
	Manager  Entity
	Consumer Entity
	Host     Entity
	Record   Attribute
}

// DimensionUsage reports one capacity axis of a host.
type DimensionUsage struct {
	Dimension string `json:"dimension" yaml:"dimension"`
	Capacity  int64  `json:"capacity" yaml:"capacity"`
	Used      int64  `json:"used" yaml:"used"`
	Headroom  int64  `json:"headroom" yaml:"headroom"`
}

// HostCapacity reports every tracked dimension of one host.
type HostCapacity struct {
	Host       Entity           `json:"host" yaml:"host"`
	Dimensions []DimensionUsage `json:"dimensions" yaml:"dimensions"`
}

// systemValue reads the system/<dimension> fact of id; absent facts count as zero.
func systemValue(view TransactionView, id, dimension string) int64 {
	v, _ := intAttr(view.Attributes(id, domain.Key(domain.KeySystem).WithSubkey(dimension)))
	return v
}

// hostUsage sums the requests of every consumer placed on host by any manager.
func hostUsage(view TransactionView, hostID string, dims []string) map[string]int64 {
	used := make(map[string]int64, len(dims))
	for _, rec := range view.References(hostID, domain.Key(domain.KeyAllocation)) {
		for _, dim := range dims {
			used[dim] += systemValue(view, rec.Subkey, dim)
		}
	}
	return used
}

func (r Reader) capacityOf(host Entity, dims []string) HostCapacity {
	used := hostUsage(r.view, host.ID, dims)
	report := HostCapacity{Host: host, Dimensions: make([]DimensionUsage, 0, len(dims))}
	for _, dim := range dims {
		capacity := systemValue(r.view, host.ID, dim)
		report.Dimensions = append(report.Dimensions, DimensionUsage{
			Dimension: dim,
			Capacity:  capacity,
			Used:      used[dim],
			Headroom:  capacity - used[dim],
		})
	}
	return report
}

func (r Reader) allocations(mgr, consumer Entity) []Allocation {
	records := r.view.Attributes(mgr.ID, domain.Key(domain.KeyAllocation).WithSubkey(consumer.ID))
	out := make([]Allocation, 0, len(records))
	for _, rec := range records {
		alloc := Allocation{Manager: mgr, Consumer: consumer, Record: rec}
		if rec.Related != nil {
			alloc.Host = *rec.Related
		}
		out = append(out, alloc)
	}
	return out
}

// Resources returns the allocation records of consumer under mgr; empty when none.
func (r Reader) Resources(mgr, consumer Entity) ([]Allocation, error) {
	m, _, err := r.require("resources", mgr, domain.CapResourceManager)
	if err != nil {
		return nil, err
	}
	c, err := r.resolve("resources", consumer)
	if err != nil {
		return nil, err
	}
	return r.allocations(m, c), nil
}

// Capacity reports declared capacity, committed usage, and headroom for every
// host in mgr along mgr's tracked dimensions.
func (r Reader) Capacity(mgr Entity) ([]HostCapacity, error) {
	m, spec, err := r.require("capacity", mgr, domain.CapResourceManager)
	if err != nil {
		return nil, err
	}
	hosts := r.members(m)
	out := make([]HostCapacity, 0, len(hosts))
	for _, host := range hosts {
		out = append(out, r.capacityOf(host, spec.Dimensions))
	}
	return out, nil
}

// Allocate places consumer on the first host in mgr with headroom for the
// consumer's request in every dimension. Weighted managers prefer the
// heaviest eligible host, keeping member order among equal weights.
func (t *Tx) Allocate(mgr, consumer Entity) (Allocation, error) {
	m, spec, err := t.require("allocate", mgr, domain.CapResourceManager)
	if err != nil {
		return Allocation{}, err
	}
	c, err := t.resolve("allocate", consumer)
	if err != nil {
		return Allocation{}, err
	}
	if existing := t.allocations(m, c); len(existing) > 0 {
		return Allocation{}, domain.NewError(domain.ErrAlreadyAllocated, "allocate", c.Name, "placed on %s by %s", existing[0].Host.Name, m.Name)
	}
	request := make(map[string]int64, len(spec.Dimensions))
	for _, dim := range spec.Dimensions {
		request[dim] = systemValue(t.view, c.ID, dim)
	}

	var (
		chosen     Entity
		bestWeight int64
		found      bool
	)
	weighted := spec.Has(domain.CapWeighted)
	for _, host := range t.members(m) {
		if !t.fits(host, spec.Dimensions, request) {
			continue
		}
		if !weighted {
			chosen, found = host, true
			break
		}
		w, _, err := t.Weight(m, host)
		if err != nil {
			return Allocation{}, err
		}
		if !found || w > bestWeight {
			chosen, bestWeight, found = host, w, true
		}
	}
	if !found {
		return Allocation{}, domain.NewError(domain.ErrResourceExhausted, "allocate", c.Name, "no host in %s can fit the request", m.Name)
	}

	zero := 0
	rec, err := t.tx.AddAttribute(Attribute{
		EntityID: m.ID,
		Key:      domain.KeyAllocation,
		Subkey:   c.ID,
		Number:   &zero,
		Value:    domain.RelationValue(chosen),
	})
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{Manager: m, Consumer: c, Host: chosen, Record: rec}, nil
}

func (t *Tx) fits(host Entity, dims []string, request map[string]int64) bool {
	used := hostUsage(t.view, host.ID, dims)
	for _, dim := range dims {
		if used[dim]+request[dim] > systemValue(t.view, host.ID, dim) {
			return false
		}
	}
	return true
}

// Deallocate removes consumer's allocation records from mgr, returning the
// capacity to the host. A consumer without an allocation is NotFound.
func (t *Tx) Deallocate(mgr, consumer Entity) error {
	m, _, err := t.require("deallocate", mgr, domain.CapResourceManager)
	if err != nil {
		return err
	}
	c, err := t.resolve("deallocate", consumer)
	if err != nil {
		return err
	}
	n, err := t.tx.RemoveAttributes(m.ID, domain.Key(domain.KeyAllocation).WithSubkey(c.ID))
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewError(domain.ErrNotFound, "deallocate", c.Name, "no allocation in %s", m.Name)
	}
	return nil
}

// Allocate places consumer on a host of mgr and records the choice.
func (s *Service) Allocate(ctx context.Context, mgr, consumer Entity) (Allocation, error) {
	var alloc Allocation
	err := s.write(ctx, "allocate", consumer.ID, func(tx *Tx) (string, error) {
		var err error
		alloc, err = tx.Allocate(mgr, consumer)
		return consumer.ID, err
	})
	return alloc, err
}

// Deallocate releases consumer's allocation in mgr.
func (s *Service) Deallocate(ctx context.Context, mgr, consumer Entity) error {
	return s.write(ctx, "deallocate", consumer.ID, func(tx *Tx) (string, error) {
		return consumer.ID, tx.Deallocate(mgr, consumer)
	})
}

// Resources returns consumer's allocation records in mgr.
func (s *Service) Resources(ctx context.Context, mgr, consumer Entity) ([]Allocation, error) {
	var out []Allocation
	err := s.read(ctx, "resources", consumer.ID, func(r Reader) error {
		var err error
		out, err = r.Resources(mgr, consumer)
		return err
	})
	return out, err
}

// Capacity reports per-host usage for mgr.
func (s *Service) Capacity(ctx context.Context, mgr Entity) ([]HostCapacity, error) {
	var out []HostCapacity
	err := s.read(ctx, "capacity", mgr.ID, func(r Reader) error {
		var err error
		out, err = r.Capacity(mgr)
		return err
	})
	return out, err
}
