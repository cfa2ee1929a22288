package sqlitepool

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tailscale/sqlstmt"
	"github.com/tailscale/sqlstmt/sqliteh"
	"github.com/tailscale/sqlstmt/sqlstats"
)

func newPool(t *testing.T, size int, tracer sqliteh.Tracer) *Pool {
	t.Helper()
	initFn := func(ctx context.Context, c *sqlite.Conn) error {
		return c.ExecScript(ctx, `
			PRAGMA synchronous=OFF;
			PRAGMA journal_mode=WAL;
			`)
	}
	cfg := sqlite.Config{URI: "file:" + filepath.Join(t.TempDir(), "sqlitepool_test")}
	p, err := NewPool(cfg, size, initFn, tracer, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func count(t *testing.T, rx *Rx) int64 {
	t.Helper()
	s, err := rx.CreateStatement()
	if err != nil {
		t.Fatal(err)
	}
	rs, err := s.ExecuteQuery(context.Background(), "SELECT count(*) FROM t")
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	row := make([]any, 1)
	if err := rs.Next(row); err != nil {
		t.Fatal(err)
	}
	return row[0].(int64)
}

func TestPool(t *testing.T) {
	ctx := context.Background()
	tracer := &sqlstats.Tracer{}
	p := newPool(t, 3, tracer)

	tx, err := p.BeginTx(ctx, "insert-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Exec(ctx, "CREATE TABLE t (c);"); err != nil {
		t.Fatal(err)
	}
	stmt, err := tx.CreateStatement()
	if err != nil {
		t.Fatal(err)
	}
	if n, err := stmt.ExecuteUpdate(ctx, "INSERT INTO t (c) VALUES (1);"); err != nil {
		t.Fatal(err)
	} else if n != 1 {
		t.Fatalf("insert count=%d, want 1", n)
	}
	var onCommitCalled, onRollbackCalled bool
	tx.OnCommit = func() { onCommitCalled = true }
	tx.OnRollback = func() { onRollbackCalled = true }
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	tx.Rollback() // no-op, does not call OnRollback
	if !onCommitCalled {
		t.Fatal("onCommit not called")
	}
	if onRollbackCalled {
		t.Fatal("onRollback called")
	}
	if !stmt.IsClosed() {
		t.Fatal("statement still open after commit")
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("want error on second commit, got: %v", err)
	}

	tx, err = p.BeginTx(ctx, "insert-2")
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Exec(ctx, "INSERT INTO t (c) VALUES (2);"); err != nil {
		t.Fatal(err)
	}
	if got := count(t, tx.Rx); got != 2 {
		t.Fatalf("count in tx=%d, want 2", got)
	}
	onCommitCalled = false
	onRollbackCalled = false
	tx.OnCommit = func() { onCommitCalled = true }
	tx.OnRollback = func() { onRollbackCalled = true }
	tx.Rollback()
	if onCommitCalled {
		t.Fatal("onCommit called")
	}
	if !onRollbackCalled {
		t.Fatal("onRollback not called")
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("want error on commit after rollback, got: %v", err)
	}
	tx.Rollback() // no-op

	rx1, err := p.BeginRx(ctx, "read-1")
	if err != nil {
		t.Fatal(err)
	}
	defer rx1.Rollback()
	rx2, err := p.BeginRx(ctx, "read-2")
	if err != nil {
		t.Fatal(err)
	}
	defer rx2.Rollback()

	ctxCancel, cancel := context.WithCancel(ctx)
	rx3Err := make(chan error, 1)
	go func() {
		rx3, err := p.BeginRx(ctxCancel, "read-3")
		if err != nil {
			rx3Err <- err
			return
		}
		rx3.Rollback()
		rx3Err <- errors.New("BeginRx(read-3) did not fail")
	}()
	cancel()
	if err := <-rx3Err; err != context.Canceled {
		t.Fatalf("read-3, not context canceled: %v", err)
	}

	if got := count(t, rx1); got != 1 {
		t.Fatalf("got=%d, want 1", got)
	}
	rx1.Rollback()
	rx1.Rollback() // no-op
	if err := rx1.Exec(ctx, "SELECT 1"); err == nil {
		t.Fatal("Exec after Rollback did not fail")
	}

	rx1, err = p.BeginRx(ctx, "read-1") // now another rx is available
	if err != nil {
		t.Fatal(err)
	}
	rx1.Rollback()
	rx2.Rollback()

	tx, err = p.BeginTx(ctx, "insert-3")
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Conn().ExecScript(ctx, "PRAGMA user_version=5"); err != nil {
		t.Fatal(err)
	}
	func() {
		defer func() {
			if r := recover(); r != "Tx.Rx.Rollback called, only call Rollback on the Tx object" {
				t.Fatalf("expected panic from Tx.Rx.Rollback, got: %q", r)
			}
		}()
		tx.Rx.Rollback()
	}()
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("second commit did not fail, want 'already done'")
	}

	found := false
	for _, row := range tracer.Collect() {
		if strings.TrimSuffix(row.Query, ";") == "BEGIN IMMEDIATE" {
			found = true
		}
	}
	if !found {
		t.Error("BEGIN IMMEDIATE not traced")
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	p.Close() // no-op

	if _, err := p.BeginTx(ctx, "after-close"); err == nil {
		t.Fatal("tx-after-close did not fail")
	}
	if _, err := p.BeginRx(ctx, "after-close"); !errors.Is(err, context.Canceled) {
		t.Fatalf("rx-after-close err=%v, want context.Canceled", err)
	}
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, 2, nil)
	defer p.Close()

	tx, err := p.BeginTx(ctx, "schema")
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Exec(ctx, "CREATE TABLE t (c);"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	rx, err := p.BeginRx(ctx, "write-attempt")
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Rollback()
	s, err := rx.CreateStatement()
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.ExecuteUpdate(ctx, "INSERT INTO t (c) VALUES (1)")
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		t.Fatalf("err=%v, want *sqlite.Error", err)
	}
	if got, want := serr.Code.Primary(), sqliteh.SQLITE_READONLY; got != want {
		t.Fatalf("code=%v, want %v", got, want)
	}
}

func TestNewPoolErrors(t *testing.T) {
	cfg := sqlite.Config{URI: "file:" + filepath.Join(t.TempDir(), "db")}
	if _, err := NewPool(cfg, 1, nil, nil, nil); err == nil {
		t.Fatal("poolSize=1 did not fail")
	}
	initErr := errors.New("init failed")
	_, err := NewPool(cfg, 2, func(context.Context, *sqlite.Conn) error { return initErr }, nil, nil)
	if !errors.Is(err, initErr) {
		t.Fatalf("err=%v, want %v", err, initErr)
	}
}
