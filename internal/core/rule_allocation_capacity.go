package core

import (
	"context"
	"fmt"

	"rackcore/pkg/domain"
)

// NewAllocationCapacityRule returns the default in-transaction rule that keeps
// every host within its declared capacity on every dimension its resource
// managers track.
func NewAllocationCapacityRule() domain.Rule {
	return allocationCapacityRule{}
}

type allocationCapacityRule struct{}

func (allocationCapacityRule) Name() string { return "allocation_capacity" }

func (allocationCapacityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if len(touchedAttributes(changes, domain.KeyAllocation, domain.KeySystem)) == 0 {
		return res, nil
	}
	checked := make(map[string]struct{})
	for _, rec := range view.FindAttributes(domain.Key(domain.KeyAllocation)) {
		host := rec.Value.Ref
		if _, done := checked[host]; done {
			continue
		}
		checked[host] = struct{}{}
		hostEntity, ok := view.FindEntity(host)
		if !ok {
			continue
		}
		dims := trackedDimensions(view, host)
		used := hostUsage(view, host, dims)
		for _, dim := range dims {
			capacity := systemValue(view, host, dim)
			if used[dim] > capacity {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "allocation_capacity",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("host %s over %s capacity: %d/%d", hostEntity.Name, dim, used[dim], capacity),
					EntityID: host,
				})
			}
		}
	}
	return res, nil
}

// trackedDimensions collects the dimensions of every manager holding an
// allocation on host, in first-seen order.
func trackedDimensions(view domain.TransactionView, host string) []string {
	var dims []string
	seen := make(map[string]struct{})
	for _, rec := range view.References(host, domain.Key(domain.KeyAllocation)) {
		mgr, ok := view.FindEntity(rec.EntityID)
		if !ok {
			continue
		}
		for _, dim := range driverOf(mgr).Dimensions {
			if _, dup := seen[dim]; dup {
				continue
			}
			seen[dim] = struct{}{}
			dims = append(dims, dim)
		}
	}
	return dims
}
