package domain

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Capability names a behaviour an entity exposes. Operations check capability
// membership instead of driver identity.
type Capability string

// Known capabilities.
const (
	CapPool            Capability = "pool"
	CapWeighted        Capability = "weighted"
	CapResourceManager Capability = "resourcemanager"
	CapNameManager     Capability = "namemanager"
	CapPorts           Capability = "ports"
	CapIP              Capability = "ip"
)

// Property is a named driver property with an optional default.
type Property struct {
	Name    string
	Default *Value
}

// DriverSpec is the static description of a driver.
type DriverSpec struct {
	Name         string
	Type         string
	Capabilities []Capability
	Properties   []Property
	// Dimensions lists the capacity axes tracked by resource managers.
	Dimensions []string
}

// Has reports whether the driver exposes capability c.
func (d DriverSpec) Has(c Capability) bool { return slices.Contains(d.Capabilities, c) }

// Property returns the named property declaration.
func (d DriverSpec) Property(name string) (Property, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

func intDefault(v int64) *Value {
	val := IntValue(v)
	return &val
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]DriverSpec{
		"entity": {Name: "entity", Type: "entity"},
		"pool":   {Name: "pool", Type: "pool", Capabilities: []Capability{CapPool}},
		"weightedpool": {
			Name: "weightedpool", Type: "pool",
			Capabilities: []Capability{CapPool, CapWeighted},
		},
		"basicdatacenter": {Name: "basicdatacenter", Type: "datacenter", Capabilities: []Capability{CapPool}},
		"basicrack":       {Name: "basicrack", Type: "rack", Capabilities: []Capability{CapPool}},
		"basicserver": {
			Name: "basicserver", Type: "server",
			Capabilities: []Capability{CapPorts, CapIP},
			Properties:   []Property{{Name: "model"}, {Name: "manufacturer"}},
		},
		"basicvirtualserver": {
			Name: "basicvirtualserver", Type: "virtualserver",
			Capabilities: []Capability{CapIP},
		},
		"basicnetworkswitch": {
			Name: "basicnetworkswitch", Type: "networkswitch",
			Capabilities: []Capability{CapPorts, CapIP},
			Properties:   []Property{{Name: "model"}, {Name: "manufacturer"}},
		},
		"vmmanager": {
			Name: "vmmanager", Type: "resourcemanager",
			Capabilities: []Capability{CapPool, CapResourceManager},
			Dimensions:   []string{"memory", "disk"},
		},
		"weightedvmmanager": {
			Name: "weightedvmmanager", Type: "resourcemanager",
			Capabilities: []Capability{CapPool, CapWeighted, CapResourceManager},
			Dimensions:   []string{"memory", "disk"},
		},
		"simplenamemanager": {
			Name: "simplenamemanager", Type: "resourcemanager",
			Capabilities: []Capability{CapNameManager},
			Properties: []Property{
				{Name: "basename"},
				{Name: "digits", Default: intDefault(4)},
				{Name: "next", Default: intDefault(0)},
			},
		},
	}
)

// LookupDriver returns the spec registered under name.
func LookupDriver(name string) (DriverSpec, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	return d, ok
}

// RegisterDriver adds a driver to the table. Existing names are rejected.
func RegisterDriver(spec DriverSpec) error {
	if spec.Name == "" || spec.Type == "" {
		return fmt.Errorf("driver name and type are required")
	}
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, exists := drivers[spec.Name]; exists {
		return NewError(ErrAlreadyExists, "register_driver", spec.Name, "")
	}
	drivers[spec.Name] = spec
	return nil
}

// Drivers lists all registered drivers ordered by name.
func Drivers() []DriverSpec {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]DriverSpec, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
