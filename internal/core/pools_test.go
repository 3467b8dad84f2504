package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rackcore/pkg/domain"
)

func TestPoolsTraversalOrder(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	pools := make(map[string]Entity)
	for _, name := range []string{"A", "B", "C", "A1", "B1", "B2", "C1"} {
		pools[name] = mustCreate(t, svc, name, "pool")
	}
	d1 := mustCreate(t, svc, "d1", "basicserver")

	for _, edge := range [][2]string{{"C1", "C"}, {"B1", "B"}, {"A1", "B"}, {"A1", "A"}, {"B2", "A"}} {
		mustInsert(t, svc, pools[edge[0]], pools[edge[1]])
	}
	for _, name := range []string{"A", "B", "C"} {
		mustInsert(t, svc, pools[name], d1)
	}

	all, err := svc.Pools(ctx, d1, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "A1", "B2", "B1", "A1", "C1"}, names(all))

	direct, err := svc.Pools(ctx, d1, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, names(direct))
}

func TestPoolsDetectsCycles(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	p1 := mustCreate(t, svc, "p1", "pool")
	p2 := mustCreate(t, svc, "p2", "pool")
	x := mustCreate(t, svc, "x", "entity")
	mustInsert(t, svc, p1, p2)
	mustInsert(t, svc, p2, p1)
	mustInsert(t, svc, p1, x)

	_, err := svc.Pools(ctx, x, true)
	require.ErrorIs(t, err, domain.ErrCycleDetected)

	direct, err := svc.Pools(ctx, x, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, names(direct))

	_, err = svc.MergedAttrs(ctx, x, AttrFilter{})
	require.ErrorIs(t, err, domain.ErrCycleDetected)
}

func TestPoolsSelfContainmentIsCycle(t *testing.T) {
	svc := newTestService(t)
	p := mustCreate(t, svc, "p", "pool")
	mustInsert(t, svc, p, p)
	_, err := svc.Pools(context.Background(), p, true)
	require.ErrorIs(t, err, domain.ErrCycleDetected)
}

func TestInsertDuplicateLeavesMembershipUnchanged(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	pool := mustCreate(t, svc, "rack1", "basicrack")
	s := mustCreate(t, svc, "s1", "basicserver")
	mustInsert(t, svc, pool, s)

	err := svc.Insert(ctx, pool, s)
	require.ErrorIs(t, err, domain.ErrDuplicate)

	members, err := svc.Contents(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, names(members))
}

func TestInsertIntoNonPoolIsTypeMismatch(t *testing.T) {
	svc := newTestService(t)
	s := mustCreate(t, svc, "s1", "basicserver")
	vm := mustCreate(t, svc, "vs1", "basicvirtualserver")
	require.ErrorIs(t, svc.Insert(context.Background(), s, vm), domain.ErrTypeMismatch)
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	pool := mustCreate(t, svc, "wp", "weightedpool")
	a := mustCreate(t, svc, "a", "entity")
	b := mustCreate(t, svc, "b", "entity")
	mustInsert(t, svc, pool, a)
	mustInsert(t, svc, pool, b)
	require.NoError(t, svc.SetWeight(ctx, pool, a, 7))

	require.NoError(t, svc.Remove(ctx, pool, a))
	require.ErrorIs(t, svc.Remove(ctx, pool, a), domain.ErrNotFound)

	members, err := svc.Contents(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names(members))

	weights, err := svc.Attrs(ctx, pool, domain.Key(domain.KeyWeight))
	require.NoError(t, err)
	assert.Empty(t, weights)
}

func TestContentsFiltersByDriverOrType(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	rack := mustCreate(t, svc, "rack1", "basicrack")
	s1 := mustCreate(t, svc, "s1", "basicserver")
	sw := mustCreate(t, svc, "sw1", "basicnetworkswitch")
	s2 := mustCreate(t, svc, "s2", "basicserver")
	for _, m := range []Entity{s1, sw, s2} {
		mustInsert(t, svc, rack, m)
	}

	all, err := svc.Contents(ctx, rack)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "sw1", "s2"}, names(all))

	servers, err := svc.Contents(ctx, rack, "server")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, names(servers))

	switches, err := svc.Contents(ctx, rack, "basicnetworkswitch")
	require.NoError(t, err)
	assert.Equal(t, []string{"sw1"}, names(switches))
}

func TestDeletingMemberDropsMembership(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	pool := mustCreate(t, svc, "wp", "weightedpool")
	m := mustCreate(t, svc, "m", "entity")
	mustInsert(t, svc, pool, m)
	require.NoError(t, svc.SetWeight(ctx, pool, m, 3))

	require.NoError(t, svc.Delete(ctx, m))
	attrs, err := svc.Attrs(ctx, pool, AttrFilter{})
	require.NoError(t, err)
	assert.Empty(t, attrs)
}

func TestMergedAttrsOwnValueWins(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	p := mustCreate(t, svc, "P", "pool")
	m := mustCreate(t, svc, "M", "entity")
	mustInsert(t, svc, p, m)
	_, err := svc.AddAttr(ctx, p, Attribute{Key: "t1", Value: domain.IntValue(1)})
	require.NoError(t, err)
	_, err = svc.AddAttr(ctx, m, Attribute{Key: "t1", Value: domain.StringValue("foo")})
	require.NoError(t, err)

	merged, err := svc.MergedAttrs(ctx, m, domain.Key("t1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, values(merged))

	own, err := svc.Attrs(ctx, m, AttrFilter{})
	require.NoError(t, err)
	assert.Len(t, own, 1)
}

func TestMergedAttrsEarlierContainerWins(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	dc := mustCreate(t, svc, "dc1", "basicdatacenter")
	rack := mustCreate(t, svc, "rack1", "basicrack")
	s := mustCreate(t, svc, "s1", "basicserver")
	mustInsert(t, svc, dc, rack)
	mustInsert(t, svc, rack, s)

	add := func(e Entity, key, v string) {
		_, err := svc.AddAttr(ctx, e, Attribute{Key: key, Value: domain.StringValue(v)})
		require.NoError(t, err)
	}
	add(dc, "location", "amsterdam")
	add(dc, "dns", "10.0.0.53")
	add(dc, "dns", "10.0.1.53")
	add(rack, "location", "row 4")
	add(s, "os", "linux")

	merged, err := svc.MergedAttrs(ctx, s, AttrFilter{})
	require.NoError(t, err)
	byKey := make(map[string][]string)
	for _, a := range merged {
		assert.False(t, a.Internal(), "internal attribute %s leaked", a.Key)
		byKey[a.Key] = append(byKey[a.Key], a.Value.String())
	}
	assert.Equal(t, map[string][]string{
		"os":       {"linux"},
		"location": {"row 4"},
		"dns":      {"10.0.0.53", "10.0.1.53"},
	}, byKey)
}
