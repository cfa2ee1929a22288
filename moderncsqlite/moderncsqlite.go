// Package moderncsqlite implements the sqliteh engine contract on top of
// the pure-Go SQLite translation at modernc.org/sqlite/lib.
//
// All methods except Interrupt must be called from one goroutine at a
// time. The statement controller guarantees this with its per-connection
// execution lock.
package moderncsqlite

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tailscale/sqlstmt/sqliteh"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// DefaultBackupPagesPerStep is the page count copied by each
// sqlite3_backup_step call when no other value is configured.
const DefaultBackupPagesPerStep = 100

// DefaultBackupRetrySleep is how long a backup waits before retrying a
// step that failed with SQLITE_BUSY or SQLITE_LOCKED.
const DefaultBackupRetrySleep = 100 * time.Millisecond

// Open implements sqliteh.OpenFunc.
func Open(filename string, flags sqliteh.OpenFlags, vfs string) (sqliteh.DB, error) {
	db, err := OpenWithOptions(filename, flags, vfs, Options{})
	if db == nil {
		return nil, err
	}
	return db, err
}

// Options tune the behavior of a DB beyond what sqlite3_open_v2 takes.
type Options struct {
	// BackupPagesPerStep is the number of pages each backup step copies.
	// Zero means DefaultBackupPagesPerStep.
	BackupPagesPerStep int
	// BackupRetrySleep is the pause before retrying a busy backup step.
	// Zero means DefaultBackupRetrySleep.
	BackupRetrySleep time.Duration
}

// OpenWithOptions is Open with explicit Options.
func OpenWithOptions(filename string, flags sqliteh.OpenFlags, vfs string, opts Options) (*DB, error) {
	if opts.BackupPagesPerStep <= 0 {
		opts.BackupPagesPerStep = DefaultBackupPagesPerStep
	}
	if opts.BackupRetrySleep <= 0 {
		opts.BackupRetrySleep = DefaultBackupRetrySleep
	}
	tls := libc.NewTLS()
	db, err := openV2(tls, filename, flags, vfs)
	if db == 0 {
		tls.Close()
		return nil, err
	}
	res := &DB{tls: tls, db: db, opts: opts}
	if err != nil {
		return res, err
	}
	sqlite3.Xsqlite3_extended_result_codes(tls, db, 1)
	return res, nil
}

func openV2(tls *libc.TLS, filename string, flags sqliteh.OpenFlags, vfs string) (uintptr, error) {
	cname, err := libc.CString(filename)
	if err != nil {
		return 0, err
	}
	defer libc.Xfree(tls, cname)

	var cvfs uintptr
	if vfs != "" {
		if cvfs, err = libc.CString(vfs); err != nil {
			return 0, err
		}
		defer libc.Xfree(tls, cvfs)
	}

	pp := tls.Alloc(int(ptrSize))
	defer tls.Free(int(ptrSize))
	*(*uintptr)(unsafe.Pointer(pp)) = 0

	rc := sqlite3.Xsqlite3_open_v2(tls, cname, pp, int32(flags), cvfs)
	db := *(*uintptr)(unsafe.Pointer(pp))
	if rc != sqlite3.SQLITE_OK {
		return db, sqliteh.CodeAsError(sqliteh.Code(rc))
	}
	return db, nil
}

// DB implements sqliteh.DB.
type DB struct {
	// mu guards db and tls against Close racing with Interrupt.
	mu   sync.Mutex
	tls  *libc.TLS
	db   uintptr // *sqlite3.Xsqlite3
	opts Options
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.db == 0 {
		return nil
	}
	rc := sqlite3.Xsqlite3_close_v2(db.tls, db.db)
	if err := sqliteh.CodeAsError(sqliteh.Code(rc)); err != nil {
		return err
	}
	db.db = 0
	db.tls.Close()
	db.tls = nil
	return nil
}

func (db *DB) Interrupt() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.db != 0 {
		sqlite3.Xsqlite3_interrupt(db.tls, db.db)
	}
}

func (db *DB) ErrMsg() string {
	return libc.GoString(sqlite3.Xsqlite3_errmsg(db.tls, db.db))
}

func (db *DB) Changes() int64 {
	return int64(sqlite3.Xsqlite3_changes64(db.tls, db.db))
}

func (db *DB) TotalChanges() int64 {
	return int64(sqlite3.Xsqlite3_total_changes64(db.tls, db.db))
}

func (db *DB) ExtendedErrCode() sqliteh.Code {
	return sqliteh.Code(sqlite3.Xsqlite3_extended_errcode(db.tls, db.db))
}

func (db *DB) BusyTimeout(d time.Duration) {
	sqlite3.Xsqlite3_busy_timeout(db.tls, db.db, int32(d/time.Millisecond))
}

func (db *DB) Exec(query string) error {
	csql, err := libc.CString(query)
	if err != nil {
		return err
	}
	defer libc.Xfree(db.tls, csql)
	rc := sqlite3.Xsqlite3_exec(db.tls, db.db, csql, 0, 0, 0)
	return sqliteh.CodeAsError(sqliteh.Code(rc))
}

// Prepare compiles the first statement in query.
//
// When query holds only whitespace or comments, SQLite produces no
// statement. Prepare still returns a usable Stmt: it has no columns and
// its first Step reports done.
func (db *DB) Prepare(query string) (s sqliteh.Stmt, remainingQuery string, err error) {
	csql, err := libc.CString(query)
	if err != nil {
		return nil, "", err
	}
	defer libc.Xfree(db.tls, csql)

	ppstmt := db.tls.Alloc(2 * int(ptrSize))
	defer db.tls.Free(2 * int(ptrSize))
	pptail := ppstmt + ptrSize
	*(*uintptr)(unsafe.Pointer(ppstmt)) = 0
	*(*uintptr)(unsafe.Pointer(pptail)) = 0

	rc := sqlite3.Xsqlite3_prepare_v2(db.tls, db.db, csql, -1, ppstmt, pptail)
	if rc != sqlite3.SQLITE_OK {
		return nil, "", sqliteh.CodeAsError(sqliteh.Code(rc))
	}
	if tail := *(*uintptr)(unsafe.Pointer(pptail)); tail != 0 {
		if off := int(tail - csql); off >= 0 && off <= len(query) {
			remainingQuery = query[off:]
		}
	}
	return &Stmt{db: db, stmt: *(*uintptr)(unsafe.Pointer(ppstmt))}, remainingQuery, nil
}

// Backup runs an online backup between schema of db and the database
// file at filename. With restore set the copy goes from the file into
// schema instead.
//
// Steps that fail with SQLITE_BUSY or SQLITE_LOCKED are retried after
// the configured sleep until the copy completes or fails otherwise.
func (db *DB) Backup(schema, filename string, restore bool, progress sqliteh.BackupProgress) (err error) {
	flags := sqliteh.SQLITE_OPEN_READWRITE | sqliteh.SQLITE_OPEN_URI
	if !restore {
		flags |= sqliteh.SQLITE_OPEN_CREATE
	}
	other, err := openV2(db.tls, filename, flags, "")
	if other != 0 {
		defer sqlite3.Xsqlite3_close_v2(db.tls, other)
	}
	if err != nil {
		return fmt.Errorf("moderncsqlite: open %q: %w", filename, err)
	}

	cschema, err := libc.CString(schema)
	if err != nil {
		return err
	}
	defer libc.Xfree(db.tls, cschema)
	cmain, err := libc.CString("main")
	if err != nil {
		return err
	}
	defer libc.Xfree(db.tls, cmain)

	var pBackup uintptr
	errDB := other
	if restore {
		pBackup = sqlite3.Xsqlite3_backup_init(db.tls, db.db, cschema, other, cmain)
		errDB = db.db
	} else {
		pBackup = sqlite3.Xsqlite3_backup_init(db.tls, other, cmain, db.db, cschema)
	}
	if pBackup == 0 {
		return sqliteh.CodeAsError(sqliteh.Code(sqlite3.Xsqlite3_extended_errcode(db.tls, errDB)))
	}
	defer func() {
		rc := sqlite3.Xsqlite3_backup_finish(db.tls, pBackup)
		if err == nil {
			err = sqliteh.CodeAsError(sqliteh.Code(rc))
		}
	}()

	for {
		rc := sqlite3.Xsqlite3_backup_step(db.tls, pBackup, int32(db.opts.BackupPagesPerStep))
		if progress != nil {
			progress(
				int(sqlite3.Xsqlite3_backup_remaining(db.tls, pBackup)),
				int(sqlite3.Xsqlite3_backup_pagecount(db.tls, pBackup)),
			)
		}
		switch sqliteh.Code(rc).Primary() {
		case sqliteh.SQLITE_OK:
		case sqliteh.SQLITE_DONE:
			return nil
		case sqliteh.SQLITE_BUSY, sqliteh.SQLITE_LOCKED:
			time.Sleep(db.opts.BackupRetrySleep)
		default:
			return sqliteh.CodeAsError(sqliteh.Code(rc))
		}
	}
}

// Stmt implements sqliteh.Stmt.
//
// A Stmt with a zero handle stands in for SQL that compiled to nothing.
type Stmt struct {
	db   *DB
	stmt uintptr // *sqlite3.Xsqlite3_stmt
}

func (s *Stmt) DBHandle() sqliteh.DB { return s.db }

func (s *Stmt) SQL() string {
	if s.stmt == 0 {
		return ""
	}
	return libc.GoString(sqlite3.Xsqlite3_sql(s.db.tls, s.stmt))
}

func (s *Stmt) Reset() error {
	if s.stmt == 0 {
		return nil
	}
	return sqliteh.CodeAsError(sqliteh.Code(sqlite3.Xsqlite3_reset(s.db.tls, s.stmt)))
}

func (s *Stmt) Finalize() error {
	if s.stmt == 0 {
		return nil
	}
	rc := sqlite3.Xsqlite3_finalize(s.db.tls, s.stmt)
	s.stmt = 0
	return sqliteh.CodeAsError(sqliteh.Code(rc))
}

func (s *Stmt) Step() (row bool, err error) {
	if s.stmt == 0 {
		return false, nil
	}
	switch rc := sqlite3.Xsqlite3_step(s.db.tls, s.stmt); rc {
	case sqlite3.SQLITE_ROW:
		return true, nil
	case sqlite3.SQLITE_DONE:
		return false, nil
	default:
		return false, sqliteh.CodeAsError(sqliteh.Code(rc))
	}
}

func (s *Stmt) ColumnCount() int {
	if s.stmt == 0 {
		return 0
	}
	return int(sqlite3.Xsqlite3_column_count(s.db.tls, s.stmt))
}

func (s *Stmt) ColumnName(col int) string {
	return libc.GoString(sqlite3.Xsqlite3_column_name(s.db.tls, s.stmt, int32(col)))
}

func (s *Stmt) ColumnDeclType(col int) string {
	return libc.GoString(sqlite3.Xsqlite3_column_decltype(s.db.tls, s.stmt, int32(col)))
}

func (s *Stmt) ColumnType(col int) sqliteh.ColumnType {
	return sqliteh.ColumnType(sqlite3.Xsqlite3_column_type(s.db.tls, s.stmt, int32(col)))
}

func (s *Stmt) ColumnInt64(col int) int64 {
	return int64(sqlite3.Xsqlite3_column_int64(s.db.tls, s.stmt, int32(col)))
}

func (s *Stmt) ColumnDouble(col int) float64 {
	return float64(sqlite3.Xsqlite3_column_double(s.db.tls, s.stmt, int32(col)))
}

func (s *Stmt) ColumnText(col int) string {
	return string(s.columnBytes(sqlite3.Xsqlite3_column_text(s.db.tls, s.stmt, int32(col)), col))
}

func (s *Stmt) ColumnBlob(col int) []byte {
	return s.columnBytes(sqlite3.Xsqlite3_column_blob(s.db.tls, s.stmt, int32(col)), col)
}

// columnBytes copies the value at p. It must be called after the
// text or blob accessor so that the byte count matches the conversion.
func (s *Stmt) columnBytes(p uintptr, col int) []byte {
	n := int(sqlite3.Xsqlite3_column_bytes(s.db.tls, s.stmt, int32(col)))
	if p == 0 || n == 0 {
		return nil
	}
	b := make([]byte, n)
	copy(b, (*libc.RawMem)(unsafe.Pointer(p))[:n:n])
	return b
}

var (
	_ sqliteh.DB       = (*DB)(nil)
	_ sqliteh.Stmt     = (*Stmt)(nil)
	_ sqliteh.OpenFunc = Open
)
