// Package loader applies YAML inventory seed files to a rackcore service.
package loader

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"rackcore/internal/core"
	"rackcore/pkg/domain"
)

// SeedYAML represents the seed file structure.
type SeedYAML struct {
	Version     string           `yaml:"version,omitempty"`
	Entities    []EntityYAML     `yaml:"entities"`
	Pools       []PoolYAML       `yaml:"pools,omitempty"`
	Allocations []AllocationYAML `yaml:"allocations,omitempty"`
}

// EntityYAML declares one entity together with its attributes and driver properties.
type EntityYAML struct {
	Name       string            `yaml:"name"`
	Driver     string            `yaml:"driver"`
	Attrs      []AttrYAML        `yaml:"attrs,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// AttrYAML is one attribute; exactly one of String, Int, Time, or Ref is set.
type AttrYAML struct {
	Key    string     `yaml:"key"`
	Subkey string     `yaml:"subkey,omitempty"`
	Number *int       `yaml:"number,omitempty"`
	String *string    `yaml:"string,omitempty"`
	Int    *int64     `yaml:"int,omitempty"`
	Time   *time.Time `yaml:"time,omitempty"`
	Ref    string     `yaml:"ref,omitempty"`
}

// PoolYAML lists the direct members of a pool and, for weighted pools, their weights.
type PoolYAML struct {
	Pool          string           `yaml:"pool"`
	Members       []string         `yaml:"members"`
	DefaultWeight *int64           `yaml:"default_weight,omitempty"`
	Weights       map[string]int64 `yaml:"weights,omitempty"`
}

// AllocationYAML requests a placement of consumer by manager.
type AllocationYAML struct {
	Manager  string `yaml:"manager"`
	Consumer string `yaml:"consumer"`
}

// Summary counts what a seed changed.
type Summary struct {
	Created     int `json:"created" yaml:"created"`
	Existing    int `json:"existing" yaml:"existing"`
	Attributes  int `json:"attributes" yaml:"attributes"`
	Members     int `json:"members" yaml:"members"`
	Weights     int `json:"weights" yaml:"weights"`
	Allocations int `json:"allocations" yaml:"allocations"`
}

// LoadYAML reads the seed file at path and applies it to svc.
func LoadYAML(ctx context.Context, svc *core.Service, path string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read file: %w", err)
	}
	seed, err := ParseYAML(data)
	if err != nil {
		return Summary{}, err
	}
	return Apply(ctx, svc, seed)
}

// ParseYAML decodes a seed and checks that every attribute carries exactly one value.
func ParseYAML(data []byte) (*SeedYAML, error) {
	var seed SeedYAML
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	for _, e := range seed.Entities {
		if e.Name == "" || e.Driver == "" {
			return nil, fmt.Errorf("entity %q: name and driver are required", e.Name)
		}
		for _, a := range e.Attrs {
			if _, err := a.value(nil); err != nil {
				return nil, fmt.Errorf("entity %s: %w", e.Name, err)
			}
		}
	}
	return &seed, nil
}

var errNoValue = errors.New("exactly one of string, int, time, ref is required")

// value converts the attribute; resolve maps entity names for relation values
// and may be nil when only validating.
func (a AttrYAML) value(resolve func(string) (domain.Entity, error)) (domain.Value, error) {
	set := 0
	for _, present := range []bool{a.String != nil, a.Int != nil, a.Time != nil, a.Ref != ""} {
		if present {
			set++
		}
	}
	if a.Key == "" {
		return domain.Value{}, fmt.Errorf("attribute key is required")
	}
	if set != 1 {
		return domain.Value{}, fmt.Errorf("attribute %s: %w", a.Key, errNoValue)
	}
	switch {
	case a.String != nil:
		return domain.StringValue(*a.String), nil
	case a.Int != nil:
		return domain.IntValue(*a.Int), nil
	case a.Time != nil:
		return domain.TimeValue(*a.Time), nil
	}
	if resolve == nil {
		return domain.Value{Type: domain.TypeRelation}, nil
	}
	target, err := resolve(a.Ref)
	if err != nil {
		return domain.Value{}, err
	}
	return domain.RelationValue(target), nil
}

// Apply writes seed to svc in a single batch. Entities are matched by name, so
// applying the same seed twice changes nothing: attributes already present with
// the same slot and value are skipped, as are existing memberships and allocations.
func Apply(ctx context.Context, svc *core.Service, seed *SeedYAML) (Summary, error) {
	var sum Summary
	_, err := svc.Batch(ctx, func(tx *core.Tx) error {
		sum = Summary{}
		byName := make(map[string]domain.Entity, len(seed.Entities))
		resolve := func(name string) (domain.Entity, error) {
			if e, ok := byName[name]; ok {
				return e, nil
			}
			e, err := tx.GetByName(name)
			if err != nil {
				return domain.Entity{}, err
			}
			byName[name] = e
			return e, nil
		}

		for _, ey := range seed.Entities {
			if _, err := tx.GetByName(ey.Name); err == nil {
				sum.Existing++
			} else {
				sum.Created++
			}
			e, err := tx.GetOrCreate(ey.Name, ey.Driver)
			if err != nil {
				return err
			}
			byName[e.Name] = e
		}

		for _, ey := range seed.Entities {
			e := byName[ey.Name]
			for _, ay := range ey.Attrs {
				added, err := applyAttr(tx, e, ay, resolve)
				if err != nil {
					return fmt.Errorf("entity %s: %w", e.Name, err)
				}
				if added {
					sum.Attributes++
				}
			}
			for _, name := range slices.Sorted(maps.Keys(ey.Properties)) {
				if err := tx.SetProperty(e, name, propertyValue(ey.Properties[name])); err != nil {
					return fmt.Errorf("entity %s: %w", e.Name, err)
				}
			}
		}

		for _, py := range seed.Pools {
			if err := applyPool(tx, py, resolve, &sum); err != nil {
				return fmt.Errorf("pool %s: %w", py.Pool, err)
			}
		}

		for _, ay := range seed.Allocations {
			mgr, err := resolve(ay.Manager)
			if err != nil {
				return err
			}
			consumer, err := resolve(ay.Consumer)
			if err != nil {
				return err
			}
			existing, err := tx.Resources(mgr, consumer)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				continue
			}
			if _, err := tx.Allocate(mgr, consumer); err != nil {
				return err
			}
			sum.Allocations++
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}

func applyAttr(tx *core.Tx, e domain.Entity, ay AttrYAML, resolve func(string) (domain.Entity, error)) (bool, error) {
	v, err := ay.value(resolve)
	if err != nil {
		return false, err
	}
	filter := domain.Key(ay.Key).WithSubkey(ay.Subkey).WithValue(v)
	if ay.Number != nil {
		filter = filter.WithNumber(*ay.Number)
	}
	existing, err := tx.Attrs(e, filter)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	_, err = tx.AddAttr(e, domain.Attribute{Key: ay.Key, Subkey: ay.Subkey, Number: ay.Number, Value: v})
	return err == nil, err
}

func applyPool(tx *core.Tx, py PoolYAML, resolve func(string) (domain.Entity, error), sum *Summary) error {
	pool, err := resolve(py.Pool)
	if err != nil {
		return err
	}
	current, err := tx.Contents(pool)
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(current))
	for _, m := range current {
		present[m.ID] = struct{}{}
	}
	for _, name := range py.Members {
		member, err := resolve(name)
		if err != nil {
			return err
		}
		if _, ok := present[member.ID]; ok {
			continue
		}
		if err := tx.Insert(pool, member); err != nil {
			return err
		}
		present[member.ID] = struct{}{}
		sum.Members++
	}
	if py.DefaultWeight != nil {
		if err := tx.SetDefaultWeight(pool, *py.DefaultWeight); err != nil {
			return err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(py.Weights)) {
		w := py.Weights[name]
		member, err := resolve(name)
		if err != nil {
			return err
		}
		if err := tx.SetWeight(pool, member, w); err != nil {
			return err
		}
		sum.Weights++
	}
	return nil
}

// propertyValue stores values that parse as integers as ints.
func propertyValue(raw string) domain.Value {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return domain.IntValue(n)
	}
	return domain.StringValue(raw)
}
