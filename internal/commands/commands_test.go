package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rackcore/internal/archive"
	"rackcore/internal/core"
	blobmemory "rackcore/internal/infra/blob/memory"
	"rackcore/pkg/domain"
)

type harness struct {
	svc  *core.Service
	opts []Option
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	return &harness{svc: svc, opts: []Option{WithService(svc), WithBlobStore(blobmemory.New())}}
}

func (h *harness) run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	opts := append([]Option{WithOutput(&out, &errOut)}, h.opts...)
	code := Execute(context.Background(), args, opts...)
	return out.String(), errOut.String(), code
}

func (h *harness) ok(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, code := h.run(t, args...)
	require.Equal(t, ExitOK, code, "rackctl %v: %s", args, errOut)
	return out
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func names(views []entityView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.Name)
	}
	return out
}

func TestEntityLifecycle(t *testing.T) {
	h := newHarness(t)

	out := h.ok(t, "entity", "create", "dc1", "--driver", "basicdatacenter")
	assert.Contains(t, out, "dc1")
	assert.Contains(t, out, "datacenter")

	_, errOut, code := h.run(t, "entity", "create", "dc1", "--driver", "basicdatacenter")
	assert.Equal(t, ExitConflict, code)
	assert.Contains(t, errOut, "error: ")

	h.ok(t, "entity", "create", "dc1", "--driver", "basicdatacenter", "--existing")
	_, _, code = h.run(t, "entity", "create", "dc1", "--driver", "basicrack", "--existing")
	assert.Equal(t, ExitInvalid, code)

	h.ok(t, "entity", "create", "r1", "--driver", "basicrack")
	h.ok(t, "attr", "add", "dc1", "location", "amsterdam")
	h.ok(t, "pool", "insert", "dc1", "r1")

	detail := decode[entityDetail](t, h.ok(t, "entity", "get", "r1", "-o", "json"))
	assert.Equal(t, "r1", detail.Entity.Name)
	assert.Equal(t, "basicrack", detail.Entity.Driver)
	assert.Equal(t, []string{"dc1"}, detail.Pools)

	withInternal := decode[entityDetail](t, h.ok(t, "entity", "get", "dc1", "--internal", "-o", "json"))
	require.Len(t, withInternal.Attributes, 2)
	assert.Equal(t, domain.KeyContents, withInternal.Attributes[1].Key)
	assert.Equal(t, "r1", withInternal.Attributes[1].Value)
	plain := decode[entityDetail](t, h.ok(t, "entity", "get", "dc1", "-o", "json"))
	require.Len(t, plain.Attributes, 1)

	listed := decode[[]entityView](t, h.ok(t, "entity", "list", "-o", "json"))
	assert.Equal(t, []string{"dc1", "r1"}, names(listed))
	racks := decode[[]entityView](t, h.ok(t, "entity", "list", "--driver", "basicrack", "-o", "json"))
	assert.Equal(t, []string{"r1"}, names(racks))

	found := decode[[]entityView](t, h.ok(t, "entity", "find", "location", "amsterdam", "-o", "json"))
	assert.Equal(t, []string{"dc1"}, names(found))

	assert.Contains(t, h.ok(t, "entity", "delete", "r1"), "deleted r1")
	_, _, code = h.run(t, "entity", "get", "r1")
	assert.Equal(t, ExitNotFound, code)
	contents := decode[[]entityView](t, h.ok(t, "pool", "contents", "dc1", "-o", "json"))
	assert.Empty(t, contents)
}

func TestAttributeCommands(t *testing.T) {
	h := newHarness(t)
	h.ok(t, "entity", "create", "s1", "--driver", "basicserver")
	h.ok(t, "entity", "create", "vs1", "--driver", "basicvirtualserver")

	h.ok(t, "attr", "add", "s1", "system", "16000", "--subkey", "memory", "--type", "int")
	h.ok(t, "attr", "add", "s1", "ip", "10.0.0.1", "--number", "0")
	h.ok(t, "attr", "add", "s1", "ip", "10.0.0.1", "--number", "0")
	h.ok(t, "attr", "add", "s1", "ip", "10.0.0.2")
	h.ok(t, "attr", "add", "s1", "installed", "2024-02-01T10:00:00+02:00", "--type", "datetime")

	mem := decode[[]attrView](t, h.ok(t, "attr", "get", "s1", "system", "--subkey", "memory", "-o", "json"))
	require.Len(t, mem, 1)
	assert.Equal(t, "int", mem[0].Type)
	assert.Equal(t, "16000", mem[0].Value)
	assert.Equal(t, "s1", mem[0].Entity)

	ips := decode[[]attrView](t, h.ok(t, "attr", "get", "s1", "ip", "-o", "json"))
	require.Len(t, ips, 2)
	require.NotNil(t, ips[0].Number)
	assert.Equal(t, 0, *ips[0].Number)
	assert.Nil(t, ips[1].Number)

	installed := decode[[]attrView](t, h.ok(t, "attr", "get", "s1", "installed", "-o", "json"))
	require.Len(t, installed, 1)
	assert.Equal(t, "2024-02-01T08:00:00Z", installed[0].Value)

	h.ok(t, "attr", "set", "s1", "ip", "10.0.0.9")
	ips = decode[[]attrView](t, h.ok(t, "attr", "get", "s1", "ip", "-o", "json"))
	require.Len(t, ips, 1)
	assert.Equal(t, "10.0.0.9", ips[0].Value)

	assert.Contains(t, h.ok(t, "attr", "rm", "s1", "ip", "10.0.0.1"), "removed 0 attribute(s) from s1")
	assert.Contains(t, h.ok(t, "attr", "rm", "s1", "ip", "10.0.0.9"), "removed 1 attribute(s) from s1")

	h.ok(t, "attr", "add", "vs1", "uplink", "s1", "--type", "relation")
	refs := decode[[]attrView](t, h.ok(t, "attr", "refs", "s1", "-o", "json"))
	require.Len(t, refs, 1)
	assert.Equal(t, "vs1", refs[0].Entity)
	assert.Equal(t, "s1", refs[0].Value)
	assert.Equal(t, "relation", refs[0].Type)

	_, errOut, code := h.run(t, "attr", "add", "s1", "system", "lots", "--subkey", "disk", "--type", "int")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, errOut, `invalid int value "lots"`)

	_, _, code = h.run(t, "attr", "add", "vs1", "uplink", "ghost", "--type", "relation")
	assert.Equal(t, ExitNotFound, code)
}

func TestInventoryWorkflow(t *testing.T) {
	h := newHarness(t)
	out := h.ok(t, "load", filepath.Join("testdata", "inventory.yaml"))
	assert.Contains(t, out, "CREATED")

	placed := decode[[]allocationView](t, h.ok(t, "vm", "resources", "vmm", "vs1", "-o", "json"))
	require.Len(t, placed, 1)
	assert.Equal(t, allocationView{Manager: "vmm", Consumer: "vs1", Host: "H2"}, placed[0])

	_, _, code := h.run(t, "vm", "allocate", "vmm", "vs1")
	assert.Equal(t, ExitConflict, code)

	parents := decode[[]entityView](t, h.ok(t, "pool", "parents", "H1", "--all", "-o", "json"))
	assert.Equal(t, []string{"rack1", "vmm", "dc1"}, names(parents))
	direct := decode[[]entityView](t, h.ok(t, "pool", "parents", "H1", "-o", "json"))
	assert.Equal(t, []string{"rack1", "vmm"}, names(direct))

	merged := decode[[]attrView](t, h.ok(t, "attr", "get", "H1", "location", "--merged", "-o", "json"))
	require.Len(t, merged, 1)
	assert.Equal(t, "dc1", merged[0].Entity)
	assert.Equal(t, "amsterdam", merged[0].Value)

	servers := decode[[]entityView](t, h.ok(t, "pool", "contents", "rack1", "--tag", "server", "-o", "json"))
	assert.Equal(t, []string{"H1", "H2"}, names(servers))

	w := decode[weightView](t, h.ok(t, "weight", "get", "vmm", "H2", "-o", "json"))
	assert.Equal(t, int64(10), w.Weight)
	w = decode[weightView](t, h.ok(t, "weight", "get", "vmm", "H1", "-o", "json"))
	assert.Equal(t, int64(1), w.Weight)
	w = decode[weightView](t, h.ok(t, "weight", "default", "vmm", "5", "-o", "json"))
	assert.Equal(t, weightView{Pool: "vmm", Weight: 5, Set: true}, w)
	h.ok(t, "weight", "set", "vmm", "H1", "20")

	report := decode[[]capacityView](t, h.ok(t, "vm", "capacity", "vmm", "-o", "json"))
	require.Len(t, report, 2)
	assert.Equal(t, "H2", report[1].Host)
	assert.Contains(t, report[1].Dimensions, core.DimensionUsage{Dimension: "memory", Capacity: 6000, Used: 1000, Headroom: 5000})

	assert.Contains(t, h.ok(t, "vm", "release", "vmm", "vs1"), "released vs1 from vmm")
	_, _, code = h.run(t, "vm", "release", "vmm", "vs1")
	assert.Equal(t, ExitNotFound, code)
	again := decode[allocationView](t, h.ok(t, "vm", "allocate", "vmm", "vs1", "-o", "json"))
	assert.Equal(t, "H1", again.Host)

	created := decode[entityView](t, h.ok(t, "name", "allocate", "vsnames", "-o", "json"))
	assert.Equal(t, "vs000", created.Name)
	assert.Equal(t, "basicvirtualserver", created.Driver)

	prop := decode[propertyView](t, h.ok(t, "entity", "property", "H1", "model", "-o", "json"))
	assert.Equal(t, "R650", prop.Value)
	_, _, code = h.run(t, "entity", "property", "H1", "colour", "blue")
	assert.Equal(t, ExitInvalid, code)

	h.ok(t, "entity", "create", "dc2", "--driver", "basicdatacenter")
	_, errOut, code := h.run(t, "pool", "insert", "dc2", "dc1", "dc1")
	assert.Equal(t, ExitConflict, code, errOut)
	_, _, code = h.run(t, "pool", "remove", "dc2", "dc1")
	assert.Equal(t, ExitNotFound, code, "insert batch should have rolled back")
}

func TestPoolCycleExitCode(t *testing.T) {
	h := newHarness(t)
	h.ok(t, "entity", "create", "a", "--driver", "pool")
	h.ok(t, "entity", "create", "b", "--driver", "pool")
	h.ok(t, "pool", "insert", "a", "b")
	h.ok(t, "pool", "insert", "b", "a")
	_, errOut, code := h.run(t, "pool", "parents", "a", "--all")
	assert.Equal(t, ExitCycle, code)
	assert.Contains(t, errOut, "cycle detected")
}

func TestSnapshotExportRestore(t *testing.T) {
	h := newHarness(t)
	h.ok(t, "entity", "create", "dc1", "--driver", "basicdatacenter")
	h.ok(t, "entity", "create", "r1", "--driver", "basicrack")

	m := decode[archive.Manifest](t, h.ok(t, "snapshot", "export", "base", "-o", "json"))
	assert.Equal(t, "snapshots/base.json", m.Key)
	assert.Equal(t, 2, m.Entities)
	assert.Len(t, m.Digest, 64)

	h.ok(t, "entity", "delete", "r1")
	h.ok(t, "entity", "create", "r2", "--driver", "basicrack")

	restored := decode[archive.Manifest](t, h.ok(t, "snapshot", "restore", "base", "-o", "json"))
	assert.Equal(t, m.Digest, restored.Digest)
	listed := decode[[]entityView](t, h.ok(t, "entity", "list", "-o", "json"))
	assert.Equal(t, []string{"dc1", "r1"}, names(listed))

	manifests := decode[[]archive.Manifest](t, h.ok(t, "snapshot", "list", "--verify", "-o", "json"))
	require.Len(t, manifests, 1)
	assert.Equal(t, m.Digest, manifests[0].Digest)

	_, _, code := h.run(t, "snapshot", "restore", "missing")
	assert.Equal(t, ExitFailure, code)
}

func TestSQLiteStatePersistsAcrossInvocations(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inventory.db")
	prom := filepath.Join(dir, "rackctl.prom")
	t.Setenv("RACKCORE_METRICS_BACKEND", "prometheus")
	t.Setenv("RACKCORE_METRICS_TEXTFILE", prom)

	run := func(args ...string) (string, string, int) {
		var out, errOut bytes.Buffer
		code := Execute(context.Background(), append([]string{"--storage", "sqlite", "--sqlite-path", db}, args...), WithOutput(&out, &errOut))
		return out.String(), errOut.String(), code
	}
	if _, errOut, code := run("entity", "create", "s1", "--driver", "basicserver"); code != ExitOK {
		t.Skipf("sqlite unavailable: %s", errOut)
	}
	out, errOut, code := run("entity", "list", "-o", "json")
	require.Equal(t, ExitOK, code, errOut)
	assert.Equal(t, []string{"s1"}, names(decode[[]entityView](t, out)))

	metrics, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `rackcore_service_operations_total{operation="list_entities",status="success"} 1`)
}

func TestOutputFormats(t *testing.T) {
	h := newHarness(t)
	h.ok(t, "entity", "create", "sw1", "--driver", "basicnetworkswitch")

	table := h.ok(t, "entity", "list")
	assert.Contains(t, table, "NAME")
	assert.Contains(t, table, "sw1")

	yamlOut := h.ok(t, "entity", "list", "-o", "yaml")
	assert.Contains(t, yamlOut, "- id: ")
	assert.Contains(t, yamlOut, "name: sw1")

	_, errOut, code := h.run(t, "entity", "list", "-o", "xml")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, errOut, `unknown output format "xml"`)
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.ok(t, "version"), "rackctl dev")
	info := decode[VersionInfo](t, h.ok(t, "version", "-o", "json"))
	assert.Equal(t, "dev", info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("boom"), ExitFailure},
		{domain.NewError(domain.ErrNotFound, "get", "x", ""), ExitNotFound},
		{domain.NewError(domain.ErrDuplicate, "insert", "x", ""), ExitConflict},
		{domain.NewError(domain.ErrAlreadyAllocated, "allocate", "x", ""), ExitConflict},
		{domain.NewError(domain.ErrTypeMismatch, "insert", "x", ""), ExitInvalid},
		{domain.NewError(domain.ErrResourceExhausted, "allocate", "x", ""), ExitCapacity},
		{domain.NewError(domain.ErrCycleDetected, "get_pools", "x", ""), ExitCycle},
		{domain.RuleViolationError{}, ExitRuleViolation},
		{usageError("bad"), ExitUsage},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err), "%v", tc.err)
	}
}
