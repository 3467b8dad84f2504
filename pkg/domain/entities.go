// Package domain defines the inventory entities, attribute values, and
// rule evaluation primitives used by rackcore.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// Entity is a uniquely named, typed object in the inventory graph. Handles are
// plain values; the ID stays stable for the lifetime of the entity.
type Entity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Driver    string    `json:"driver"`
	CreatedAt time.Time `json:"created_at"`
}

// IsZero reports whether the handle is empty.
func (e Entity) IsZero() bool { return e.ID == "" }

// DataType tags the kind of value an attribute carries.
type DataType string

// Supported attribute value types.
const (
	TypeInt      DataType = "int"
	TypeString   DataType = "string"
	TypeDatetime DataType = "datetime"
	// TypeRelation marks a value that references another entity by ID.
	TypeRelation DataType = "relation"
)

// Value is the tagged union stored in an attribute.
type Value struct {
	Type DataType  `json:"type"`
	Int  int64     `json:"int,omitempty"`
	Str  string    `json:"string,omitempty"`
	Time time.Time `json:"datetime,omitzero"`
	Ref  string    `json:"relation,omitempty"`
}

// IntValue builds an integer value.
func IntValue(v int64) Value { return Value{Type: TypeInt, Int: v} }

// StringValue builds a string value.
func StringValue(v string) Value { return Value{Type: TypeString, Str: v} }

// TimeValue builds a datetime value normalized to UTC.
func TimeValue(v time.Time) Value { return Value{Type: TypeDatetime, Time: v.UTC()} }

// RelationValue builds a value referencing the given entity.
func RelationValue(target Entity) Value { return Value{Type: TypeRelation, Ref: target.ID} }

// IsRelation reports whether the value references an entity.
func (v Value) IsRelation() bool { return v.Type == TypeRelation }

// Equal compares two values by type and payload.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case TypeInt:
		return v.Int == other.Int
	case TypeString:
		return v.Str == other.Str
	case TypeDatetime:
		return v.Time.Equal(other.Time)
	case TypeRelation:
		return v.Ref == other.Ref
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeString:
		return v.Str
	case TypeDatetime:
		return v.Time.Format(time.RFC3339)
	case TypeRelation:
		return "@" + v.Ref
	default:
		return ""
	}
}

// Attribute is a single fact attached to an owning entity. ID is assigned by
// the store from a monotonic sequence and therefore reflects insertion order.
type Attribute struct {
	ID       int64  `json:"id"`
	EntityID string `json:"entity_id"`
	Key      string `json:"key"`
	Subkey   string `json:"subkey,omitempty"`
	Number   *int   `json:"number,omitempty"`
	Value    Value  `json:"value"`
	// Related is the resolved target of a relation value. Stores fill it on read.
	Related *Entity `json:"-"`
}

// Internal reports whether the attribute is bookkeeping owned by the engine
// (pool membership, weights, allocations) rather than a user fact.
func (a Attribute) Internal() bool { return IsInternalKey(a.Key) }

// SameSlot reports whether two attributes share key, subkey, and number.
func (a Attribute) SameSlot(other Attribute) bool {
	if a.Key != other.Key || a.Subkey != other.Subkey {
		return false
	}
	if (a.Number == nil) != (other.Number == nil) {
		return false
	}
	return a.Number == nil || *a.Number == *other.Number
}

// IsInternalKey reports whether key is reserved for engine bookkeeping.
func IsInternalKey(key string) bool { return strings.HasPrefix(key, "_") }

// Reserved attribute keys.
const (
	KeyContents      = "_contents"
	KeyWeight        = "_weight"
	KeyAllocation    = "_allocation"
	KeyDefaultWeight = "defaultweight"
	KeySystem        = "system"
)

// AttrFilter selects attributes. Zero fields match everything.
type AttrFilter struct {
	Key    string
	Subkey *string
	Number *int
	Value  *Value
}

// Key returns a filter matching the given key.
func Key(key string) AttrFilter { return AttrFilter{Key: key} }

// WithSubkey narrows the filter to a subkey. An empty subkey matches only
// attributes without one.
func (f AttrFilter) WithSubkey(subkey string) AttrFilter {
	f.Subkey = &subkey
	return f
}

// WithNumber narrows the filter to a number.
func (f AttrFilter) WithNumber(n int) AttrFilter {
	f.Number = &n
	return f
}

// WithValue narrows the filter to a value.
func (f AttrFilter) WithValue(v Value) AttrFilter {
	f.Value = &v
	return f
}

// Matches reports whether a satisfies every populated field of the filter.
func (f AttrFilter) Matches(a Attribute) bool {
	if f.Key != "" && a.Key != f.Key {
		return false
	}
	if f.Subkey != nil && a.Subkey != *f.Subkey {
		return false
	}
	if f.Number != nil && (a.Number == nil || *a.Number != *f.Number) {
		return false
	}
	if f.Value != nil && !a.Value.Equal(*f.Value) {
		return false
	}
	return true
}

// Change describes a mutation applied during a transaction.
type Change struct {
	Kind   ChangeKind
	Action Action
	Before any
	After  any
}

// ChangeKind identifies the record type a change applies to.
type ChangeKind string

// Change kinds recorded by stores.
const (
	ChangeEntity    ChangeKind = "entity"
	ChangeAttribute ChangeKind = "attribute"
)

// Action indicates the type of modification performed.
type Action string

// Change actions captured in the audit trail.
const (
	// ActionCreate indicates a record was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates a record was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Severity captures rule outcomes.
type Severity string

// Rule severities.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Rule + ": " + v.Message
		}
	}
	return "transaction blocked by rules"
}
