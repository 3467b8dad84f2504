package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"rackcore/pkg/domain"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	return NewInMemoryService(NewDefaultRulesEngine(), opts...)
}

func mustCreate(t *testing.T, svc *Service, name, driver string) Entity {
	t.Helper()
	e, err := svc.Create(context.Background(), name, driver)
	require.NoError(t, err)
	return e
}

func mustInsert(t *testing.T, svc *Service, pool, member Entity) {
	t.Helper()
	require.NoError(t, svc.Insert(context.Background(), pool, member))
}

func mustSystem(t *testing.T, svc *Service, e Entity, memory, disk int64) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.SetAttr(ctx, e, Attribute{Key: domain.KeySystem, Subkey: "memory", Value: domain.IntValue(memory)})
	require.NoError(t, err)
	_, err = svc.SetAttr(ctx, e, Attribute{Key: domain.KeySystem, Subkey: "disk", Value: domain.IntValue(disk)})
	require.NoError(t, err)
}

func names(entities []Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Name)
	}
	return out
}

func values(attrs []Attribute) []string {
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, a.Value.String())
	}
	return out
}
