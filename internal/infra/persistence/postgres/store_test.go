package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"rackcore/internal/infra/persistence/memory"
	"rackcore/internal/infra/persistence/postgres/testutil"
	"rackcore/pkg/domain"
)

func openStub(t *testing.T) (*sql.DB, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	return db, conn
}

func TestNewStoreEnsuresStateTable(t *testing.T) {
	_, conn := openStub(t)
	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if len(store.ListEntities()) != 0 {
		t.Fatalf("expected empty store")
	}
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS STATE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state table DDL, got execs: %v", conn.Execs)
	}
}

func TestRunInTransactionPersistsAndReloads(t *testing.T) {
	db, conn := openStub(t)
	store, err := NewStore("ignored", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	var pool, member domain.Entity
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var e error
		if pool, e = tx.CreateEntity(domain.Entity{Name: "dc1", Type: "datacenter", Driver: "basicdatacenter"}); e != nil {
			return e
		}
		if member, e = tx.CreateEntity(domain.Entity{Name: "r1", Type: "rack", Driver: "basicrack"}); e != nil {
			return e
		}
		_, e = tx.AddAttribute(domain.Attribute{EntityID: pool.ID, Key: domain.KeyContents, Value: domain.RelationValue(member)})
		return e
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	rows := conn.Rows("state")
	if len(rows) != len(memory.StateBuckets) {
		t.Fatalf("expected %d buckets, got %d", len(memory.StateBuckets), len(rows))
	}
	if conn.Commits != 1 {
		t.Fatalf("expected one sql commit, got %d", conn.Commits)
	}

	reloaded, err := NewStore("ignored", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DB() != db {
		t.Fatalf("expected reload to reuse stub db")
	}
	_ = reloaded.View(ctx, func(v domain.TransactionView) error {
		refs := v.References(member.ID, domain.Key(domain.KeyContents))
		if len(refs) != 1 || refs[0].EntityID != pool.ID {
			t.Fatalf("expected containment edge after reload, got %+v", refs)
		}
		return nil
	})
}

func TestSessionCommitPersistsSnapshot(t *testing.T) {
	_, conn := openStub(t)
	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	sess, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := sess.CreateEntity(domain.Entity{Name: "sw1", Type: "networkswitch", Driver: "basicnetworkswitch"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(conn.Rows("state")) != 0 {
		t.Fatalf("expected nothing persisted before commit")
	}
	if _, err := sess.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(conn.Rows("state")) != len(memory.StateBuckets) {
		t.Fatalf("expected snapshot persisted on commit")
	}
}

func TestNewStorePingFailure(t *testing.T) {
	_, conn := openStub(t)
	conn.FailPing = true
	if _, err := NewStore("", nil); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestNewStoreOpenFailure(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("boom") })
	defer restore()
	if _, err := NewStore("", nil); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	_, conn := openStub(t)
	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	var host domain.Entity
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var e error
		host, e = tx.CreateEntity(domain.Entity{Name: "h1", Type: "server", Driver: "basicserver"})
		return e
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	persisted := conn.Rows("state")

	conn.FailExec = true
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, e := tx.CreateEntity(domain.Entity{Name: "vs1", Type: "virtualserver", Driver: "basicvirtualserver"})
		return e
	})
	if err == nil || !strings.Contains(err.Error(), "upsert entities") {
		t.Fatalf("expected upsert error, got %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteEntity(host.ID)
	}); err == nil {
		t.Fatalf("expected delete to fail while persistence is down")
	}

	entities := store.ListEntities()
	if len(entities) != 1 || entities[0].Name != "h1" {
		t.Fatalf("expected only the persisted entity to be visible, got %+v", entities)
	}
	conn.FailExec = false
	after := conn.Rows("state")
	if len(after) != len(persisted) {
		t.Fatalf("expected persisted buckets untouched, got %d rows", len(after))
	}

	sess, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := sess.CreateEntity(domain.Entity{Name: "vs1", Type: "virtualserver", Driver: "basicvirtualserver"}); err != nil {
		t.Fatalf("create after recovery: %v", err)
	}
	conn.FailCommit = true
	if _, err := sess.Commit(ctx); err == nil {
		t.Fatalf("expected sql commit failure")
	}
	if len(store.ListEntities()) != 1 {
		t.Fatalf("expected failed session commit to stay invisible")
	}
}

func TestLoadSnapshotRowsError(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.RowsErr = errors.New("iter")
	if _, _, err := loadSnapshot(context.Background(), db); err == nil || !strings.Contains(err.Error(), "iterate state") {
		t.Fatalf("expected iterate error, got %v", err)
	}
}
