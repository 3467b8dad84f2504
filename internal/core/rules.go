package core

import "rackcore/pkg/domain"

// NewRulesEngine constructs an engine with no rules.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewAllocationCapacityRule())
	engine.Register(NewMembershipIntegrityRule())
	return engine
}

// touchedAttributes returns the attributes created or deleted by changes
// whose key is one of keys.
func touchedAttributes(changes []Change, keys ...string) []Attribute {
	var out []Attribute
	for _, ch := range changes {
		if ch.Kind != domain.ChangeAttribute {
			continue
		}
		for _, rec := range []any{ch.Before, ch.After} {
			a, ok := rec.(Attribute)
			if !ok {
				continue
			}
			for _, k := range keys {
				if a.Key == k {
					out = append(out, a)
					break
				}
			}
		}
	}
	return out
}
