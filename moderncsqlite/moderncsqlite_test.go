package moderncsqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tailscale/sqlstmt/sqliteh"
)

func openTestDB(t testing.TB, name string) *DB {
	t.Helper()
	db, err := OpenWithOptions("file:"+filepath.Join(t.TempDir(), name), sqliteh.OpenFlagsDefault, "", Options{
		BackupPagesPerStep: 1,
		BackupRetrySleep:   time.Millisecond,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustExec(t testing.TB, db *DB, query string) {
	t.Helper()
	if err := db.Exec(query); err != nil {
		t.Fatalf("%s: %v: %s", query, err, db.ErrMsg())
	}
}

func queryInts(t testing.TB, db *DB, query string) []int64 {
	t.Helper()
	stmt, _, err := db.Prepare(query)
	if err != nil {
		t.Fatal(err)
	}
	defer stmt.Finalize()
	var got []int64
	for {
		row, err := stmt.Step()
		if err != nil {
			t.Fatal(err)
		}
		if !row {
			return got
		}
		got = append(got, stmt.ColumnInt64(0))
	}
}

func TestPrepareRemaining(t *testing.T) {
	db := openTestDB(t, "test.db")
	stmt, rem, err := db.Prepare("SELECT 1; SELECT 2;")
	if err != nil {
		t.Fatal(err)
	}
	defer stmt.Finalize()
	if want := " SELECT 2;"; rem != want {
		t.Errorf("remaining=%q, want %q", rem, want)
	}
	if got, want := stmt.SQL(), "SELECT 1;"; got != want {
		t.Errorf("SQL()=%q, want %q", got, want)
	}
}

func TestPrepareEmpty(t *testing.T) {
	db := openTestDB(t, "test.db")
	stmt, rem, err := db.Prepare("  -- nothing here\n")
	if err != nil {
		t.Fatal(err)
	}
	if rem != "" {
		t.Errorf("remaining=%q, want empty", rem)
	}
	if n := stmt.ColumnCount(); n != 0 {
		t.Errorf("ColumnCount=%d, want 0", n)
	}
	row, err := stmt.Step()
	if err != nil || row {
		t.Errorf("Step=(%v, %v), want (false, nil)", row, err)
	}
	if err := stmt.Finalize(); err != nil {
		t.Fatal(err)
	}
}

func TestColumns(t *testing.T) {
	db := openTestDB(t, "test.db")
	mustExec(t, db, "CREATE TABLE t (i INTEGER, f REAL, s TEXT, b BLOB, n DATETIME);")
	mustExec(t, db, "INSERT INTO t VALUES (7, 1.5, 'hi', x'0102', NULL);")
	if got := db.Changes(); got != 1 {
		t.Errorf("Changes=%d, want 1", got)
	}

	stmt, _, err := db.Prepare("SELECT i, f, s, b, n FROM t")
	if err != nil {
		t.Fatal(err)
	}
	defer stmt.Finalize()
	if n := stmt.ColumnCount(); n != 5 {
		t.Fatalf("ColumnCount=%d, want 5", n)
	}
	if got := stmt.ColumnName(2); got != "s" {
		t.Errorf("ColumnName(2)=%q, want s", got)
	}
	if got := stmt.ColumnDeclType(4); got != "DATETIME" {
		t.Errorf("ColumnDeclType(4)=%q, want DATETIME", got)
	}
	row, err := stmt.Step()
	if err != nil || !row {
		t.Fatalf("Step=(%v, %v)", row, err)
	}
	if got := stmt.ColumnInt64(0); got != 7 {
		t.Errorf("int=%d, want 7", got)
	}
	if got := stmt.ColumnDouble(1); got != 1.5 {
		t.Errorf("float=%v, want 1.5", got)
	}
	if got := stmt.ColumnText(2); got != "hi" {
		t.Errorf("text=%q, want hi", got)
	}
	if got := stmt.ColumnBlob(3); string(got) != "\x01\x02" {
		t.Errorf("blob=%x, want 0102", got)
	}
	if got := stmt.ColumnType(4); got != sqliteh.SQLITE_NULL {
		t.Errorf("type=%v, want SQLITE_NULL", got)
	}
}

func TestStepError(t *testing.T) {
	db := openTestDB(t, "test.db")
	mustExec(t, db, "CREATE TABLE t (k PRIMARY KEY);")
	mustExec(t, db, "INSERT INTO t VALUES (1);")
	err := db.Exec("INSERT INTO t VALUES (1);")
	var code sqliteh.ErrCode
	if !errors.As(err, &code) || sqliteh.Code(code).Primary() != sqliteh.SQLITE_CONSTRAINT {
		t.Fatalf("err=%v, want SQLITE_CONSTRAINT", err)
	}
	if got := db.ExtendedErrCode(); got != sqliteh.SQLITE_CONSTRAINT_PRIMARYKEY {
		t.Errorf("ExtendedErrCode=%v, want SQLITE_CONSTRAINT_PRIMARYKEY", got)
	}
}

func TestTotalChanges(t *testing.T) {
	db := openTestDB(t, "test.db")
	mustExec(t, db, "CREATE TABLE t (c);")
	before := db.TotalChanges()
	mustExec(t, db, "INSERT INTO t VALUES (1), (2), (3);")
	if got := db.TotalChanges() - before; got != 3 {
		t.Errorf("total changes delta=%d, want 3", got)
	}
}

func TestBackupRestore(t *testing.T) {
	db := openTestDB(t, "src.db")
	mustExec(t, db, "CREATE TABLE t (c); INSERT INTO t VALUES (1), (2);")

	dst := filepath.Join(t.TempDir(), "backup.db")
	var calls int
	err := db.Backup("main", dst, false, func(remaining, pageCount int) {
		calls++
		if remaining > pageCount {
			t.Errorf("remaining=%d > pageCount=%d", remaining, pageCount)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls == 0 {
		t.Error("progress never called")
	}

	other := openTestDB(t, "other.db")
	if err := other.Backup("main", dst, true, nil); err != nil {
		t.Fatal(err)
	}
	got := queryInts(t, other, "SELECT c FROM t ORDER BY c")
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("restored rows=%v, want [1 2]", got)
	}
}

func TestRestoreMissingFile(t *testing.T) {
	db := openTestDB(t, "test.db")
	err := db.Backup("main", filepath.Join(t.TempDir(), "nope", "missing.db"), true, nil)
	if err == nil {
		t.Fatal("restore from missing file succeeded")
	}
}

func TestCloseTwice(t *testing.T) {
	db, err := Open(":memory:", sqliteh.OpenFlagsDefault, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	db.Interrupt() // no-op after close
}
