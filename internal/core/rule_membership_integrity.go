package core

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"rackcore/pkg/domain"
)

// NewMembershipIntegrityRule returns the default rule guarding pool
// bookkeeping written through raw store transactions: membership edges
// live only on pools and are unique, and weights exist only for members.
func NewMembershipIntegrityRule() domain.Rule {
	return membershipIntegrityRule{}
}

type membershipIntegrityRule struct{}

func (membershipIntegrityRule) Name() string { return "membership_integrity" }

func (membershipIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	owners := make(map[string]struct{})
	for _, a := range touchedAttributes(changes, domain.KeyContents, domain.KeyWeight) {
		owners[a.EntityID] = struct{}{}
	}
	for _, id := range slices.Sorted(maps.Keys(owners)) {
		pool, ok := view.FindEntity(id)
		if !ok {
			continue
		}
		res.Merge(checkPool(view, pool))
	}
	return res, nil
}

func checkPool(view domain.TransactionView, pool Entity) domain.Result {
	res := domain.Result{}
	violation := func(format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "membership_integrity",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			EntityID: pool.ID,
		})
	}
	edges := view.Attributes(pool.ID, domain.Key(domain.KeyContents))
	if len(edges) > 0 && !driverOf(pool).Has(domain.CapPool) {
		violation("%s (%s) holds members but driver %s is not a pool", pool.Name, pool.ID, pool.Driver)
	}
	members := make(map[string]struct{}, len(edges))
	for _, edge := range edges {
		if _, dup := members[edge.Value.Ref]; dup {
			violation("%s contains %s more than once", pool.Name, edge.Value.Ref)
			continue
		}
		members[edge.Value.Ref] = struct{}{}
	}
	for _, w := range view.Attributes(pool.ID, domain.Key(domain.KeyWeight)) {
		if _, ok := members[w.Subkey]; !ok {
			violation("%s has a weight for non-member %s", pool.Name, w.Subkey)
		}
	}
	return res
}
