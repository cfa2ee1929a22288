// Package sqliteh contains the SQLite engine contract used by the
// statement controller, plus SQLite constants for Gophers.
//
// Everything a statement needs from the engine is expressed here as an
// interface, so the controller can run on any binding: the pure-Go
// moderncsqlite package in production, or a scripted fake in tests.
package sqliteh

// Given everything in here has an sqliteh. prefix,
// why not strip the SQLITE_ prefix from constants?
// Because this way standard names show up in search.

import (
	"context"
	"strconv"
	"time"
)

// OpenFunc is sqlite3_open_v2.
//
// Surprisingly: an error opening the DB can return a non-nil handle.
// Call Close on it.
//
// https://sqlite.org/c3ref/open.html
type OpenFunc func(filename string, flags OpenFlags, vfs string) (DB, error)

// DB is an sqlite3* database connection object.
// https://sqlite.org/c3ref/sqlite3.html
//
// A DB is single-threaded: apart from Interrupt, no two methods may be
// called concurrently.
type DB interface {
	// Close is sqlite3_close_v2.
	// https://sqlite.org/c3ref/close.html
	Close() error
	// ErrMsg is sqlite3_errmsg.
	// https://sqlite.org/c3ref/errcode.html
	ErrMsg() string
	// Changes is sqlite3_changes64.
	// https://sqlite.org/c3ref/changes.html
	Changes() int64
	// TotalChanges is sqlite3_total_changes64.
	// https://sqlite.org/c3ref/total_changes.html
	TotalChanges() int64
	// ExtendedErrCode is sqlite3_extended_errcode.
	// https://sqlite.org/c3ref/errcode.html
	ExtendedErrCode() Code
	// Prepare is sqlite3_prepare_v2.
	// https://www.sqlite.org/c3ref/prepare.html
	Prepare(query string) (stmt Stmt, remainingQuery string, err error)
	// Exec is sqlite3_exec without a callback.
	// It runs every ;-separated statement in query.
	// https://www.sqlite.org/c3ref/exec.html
	Exec(query string) error
	// BusyTimeout is sqlite3_busy_timeout.
	// https://www.sqlite.org/c3ref/busy_timeout.html
	BusyTimeout(time.Duration)
	// Interrupt is sqlite3_interrupt.
	// It is the only method safe to call concurrently with others.
	// https://www.sqlite.org/c3ref/interrupt.html
	Interrupt()
	// Backup copies schema to (or, if restore is set, from) the database
	// file filename using the sqlite3_backup_* API. Progress, if non-nil,
	// is called after each step.
	// https://www.sqlite.org/c3ref/backup_finish.html
	Backup(schema, filename string, restore bool, progress BackupProgress) error
}

// BackupProgress reports the state of an online backup after a step.
type BackupProgress func(remaining, pageCount int)

// Stmt is an sqlite3_stmt* database connection object.
// https://sqlite.org/c3ref/stmt.html
type Stmt interface {
	// DBHandle is sqlite3_db_handle.
	// https://www.sqlite.org/c3ref/db_handle.html.
	DBHandle() DB
	// SQL is sqlite3_sql.
	// https://www.sqlite.org/c3ref/expanded_sql.html
	SQL() string
	// Reset is sqlite3_reset.
	// https://www.sqlite.org/c3ref/reset.html
	Reset() error
	// Finalize is sqlite3_finalize.
	// https://sqlite.org/c3ref/finalize.html
	Finalize() error
	// Step is sqlite3_step.
	// 	For SQLITE_ROW, Step returns (true, nil).
	// 	For SQLITE_DONE, Step returns (false, nil).
	// 	For any error, Step returns (false, err).
	// https://www.sqlite.org/c3ref/step.html
	Step() (row bool, err error)
	// ColumnCount is sqlite3_column_count.
	// https://sqlite.org/c3ref/column_count.html
	ColumnCount() int
	// ColumnName is sqlite3_column_name.
	// https://sqlite.org/c3ref/column_name.html
	ColumnName(col int) string
	// ColumnDeclType is sqlite3_column_decltype.
	// https://sqlite.org/c3ref/column_decltype.html
	ColumnDeclType(col int) string
	// ColumnType is sqlite3_column_type.
	// https://www.sqlite.org/c3ref/column_blob.html
	ColumnType(col int) ColumnType
	// ColumnInt64 is sqlite3_column_int64.
	// https://sqlite.org/c3ref/column_blob.html
	ColumnInt64(col int) int64
	// ColumnDouble is sqlite3_column_double.
	// https://sqlite.org/c3ref/column_blob.html
	ColumnDouble(col int) float64
	// ColumnText is sqlite3_column_text.
	// https://sqlite.org/c3ref/column_blob.html
	ColumnText(col int) string
	// ColumnBlob is sqlite3_column_blob.
	// The returned slice is a copy owned by the caller.
	// https://sqlite.org/c3ref/column_blob.html
	ColumnBlob(col int) []byte
}

// TraceConnID identifies a connection in Tracer callbacks.
type TraceConnID int

// Tracer is called by the statement controller after each engine dispatch.
type Tracer interface {
	// Query is called for each query dispatched to the engine:
	// a prepared execution, a raw multi-statement exec, each batch entry,
	// or an extension command. The duration includes busy waiting.
	Query(ctx context.Context, id TraceConnID, query string, duration time.Duration, err error)
}

// TxTracer is implemented by Tracers that also follow the transactions
// of a connection pool.
type TxTracer interface {
	Tracer

	// BeginTx is called after a transaction is started.
	// The why string describes the caller.
	BeginTx(ctx context.Context, id TraceConnID, why string, readOnly bool, err error)

	// Commit is called after a transaction is committed.
	Commit(id TraceConnID, err error)

	// Rollback is called after a transaction is rolled back.
	Rollback(id TraceConnID, err error)
}

// ColumnType are constants for each of the SQLite datatypes.
// https://www.sqlite.org/c3ref/c_blob.html
type ColumnType int

const (
	SQLITE_INTEGER ColumnType = 1
	SQLITE_FLOAT   ColumnType = 2
	SQLITE_TEXT    ColumnType = 3
	SQLITE_BLOB    ColumnType = 4
	SQLITE_NULL    ColumnType = 5
)

func (t ColumnType) String() string {
	switch t {
	case SQLITE_INTEGER:
		return "SQLITE_INTEGER"
	case SQLITE_FLOAT:
		return "SQLITE_FLOAT"
	case SQLITE_TEXT:
		return "SQLITE_TEXT"
	case SQLITE_BLOB:
		return "SQLITE_BLOB"
	case SQLITE_NULL:
		return "SQLITE_NULL"
	default:
		return "UNKNOWN_SQLITE_DATATYPE"
	}
}

// OpenFlags are flags used when opening a DB.
//
// https://www.sqlite.org/c3ref/c_open_autoproxy.html
type OpenFlags int

const (
	SQLITE_OPEN_READONLY     OpenFlags = 0x00000001
	SQLITE_OPEN_READWRITE    OpenFlags = 0x00000002
	SQLITE_OPEN_CREATE       OpenFlags = 0x00000004
	SQLITE_OPEN_URI          OpenFlags = 0x00000040
	SQLITE_OPEN_MEMORY       OpenFlags = 0x00000080
	SQLITE_OPEN_NOMUTEX      OpenFlags = 0x00008000
	SQLITE_OPEN_FULLMUTEX    OpenFlags = 0x00010000
	SQLITE_OPEN_SHAREDCACHE  OpenFlags = 0x00020000
	SQLITE_OPEN_PRIVATECACHE OpenFlags = 0x00040000
	SQLITE_OPEN_NOFOLLOW     OpenFlags = 0x01000000

	// The controller serializes all engine calls per connection itself,
	// so the engine's own mutex is not needed.
	OpenFlagsDefault = SQLITE_OPEN_READWRITE |
		SQLITE_OPEN_CREATE |
		SQLITE_OPEN_URI |
		SQLITE_OPEN_NOMUTEX
)

var openFlagNames = []struct {
	flag OpenFlags
	name string
}{
	{SQLITE_OPEN_READONLY, "SQLITE_OPEN_READONLY"},
	{SQLITE_OPEN_READWRITE, "SQLITE_OPEN_READWRITE"},
	{SQLITE_OPEN_CREATE, "SQLITE_OPEN_CREATE"},
	{SQLITE_OPEN_URI, "SQLITE_OPEN_URI"},
	{SQLITE_OPEN_MEMORY, "SQLITE_OPEN_MEMORY"},
	{SQLITE_OPEN_NOMUTEX, "SQLITE_OPEN_NOMUTEX"},
	{SQLITE_OPEN_FULLMUTEX, "SQLITE_OPEN_FULLMUTEX"},
	{SQLITE_OPEN_SHAREDCACHE, "SQLITE_OPEN_SHAREDCACHE"},
	{SQLITE_OPEN_PRIVATECACHE, "SQLITE_OPEN_PRIVATECACHE"},
	{SQLITE_OPEN_NOFOLLOW, "SQLITE_OPEN_NOFOLLOW"},
}

func (o OpenFlags) String() string {
	var flags []byte
	rest := o
	for _, f := range openFlagNames {
		if o&f.flag == 0 {
			continue
		}
		rest &^= f.flag
		if len(flags) > 0 {
			flags = append(flags, '|')
		}
		flags = append(flags, f.name...)
	}
	if rest != 0 {
		if len(flags) > 0 {
			flags = append(flags, '|')
		}
		flags = append(flags, "UNKNOWN_FLAG:"...)
		flags = strconv.AppendInt(flags, int64(rest), 16)
	}
	return string(flags)
}

// ErrCode is an SQLite error code as a Go error.
// It must not be one of the status codes SQLITE_OK, SQLITE_ROW, or SQLITE_DONE.
type ErrCode Code

func (e ErrCode) Error() string {
	return Code(e).String()
}

// Code is an SQLite extended error code.
//
// The three SQLite result codes (SQLITE_OK, SQLITE_ROW, and SQLITE_DONE),
// are not errors so they should not be used in an Error.
type Code int

// Primary reports the primary result code, stripping the extended bits.
func (code Code) Primary() Code { return code & 0xff }

func (code Code) String() string {
	if s, ok := codeNames[code]; ok {
		return s
	}
	if s, ok := codeNames[code.Primary()]; ok && code.Primary() != SQLITE_OK {
		return s + "(" + strconv.Itoa(int(code)) + ")"
	}
	return "SQLITE_UNKNOWN_ERR(" + strconv.Itoa(int(code)) + ")"
}

const (
	SQLITE_OK         = Code(0) // do not use in Error
	SQLITE_ERROR      = Code(1)
	SQLITE_INTERNAL   = Code(2)
	SQLITE_PERM       = Code(3)
	SQLITE_ABORT      = Code(4)
	SQLITE_BUSY       = Code(5)
	SQLITE_LOCKED     = Code(6)
	SQLITE_NOMEM      = Code(7)
	SQLITE_READONLY   = Code(8)
	SQLITE_INTERRUPT  = Code(9)
	SQLITE_IOERR      = Code(10)
	SQLITE_CORRUPT    = Code(11)
	SQLITE_NOTFOUND   = Code(12)
	SQLITE_FULL       = Code(13)
	SQLITE_CANTOPEN   = Code(14)
	SQLITE_PROTOCOL   = Code(15)
	SQLITE_EMPTY      = Code(16)
	SQLITE_SCHEMA     = Code(17)
	SQLITE_TOOBIG     = Code(18)
	SQLITE_CONSTRAINT = Code(19)
	SQLITE_MISMATCH   = Code(20)
	SQLITE_MISUSE     = Code(21)
	SQLITE_NOLFS      = Code(22)
	SQLITE_AUTH       = Code(23)
	SQLITE_FORMAT     = Code(24)
	SQLITE_RANGE      = Code(25)
	SQLITE_NOTADB     = Code(26)
	SQLITE_NOTICE     = Code(27)
	SQLITE_WARNING    = Code(28)
	SQLITE_ROW        = Code(100) // do not use in Error
	SQLITE_DONE       = Code(101) // do not use in Error

	// Extended error codes the controller distinguishes.

	SQLITE_ERROR_MISSING_COLLSEQ = Code(SQLITE_ERROR | (1 << 8))
	SQLITE_ERROR_RETRY           = Code(SQLITE_ERROR | (2 << 8))
	SQLITE_BUSY_RECOVERY         = Code(SQLITE_BUSY | (1 << 8))
	SQLITE_BUSY_SNAPSHOT         = Code(SQLITE_BUSY | (2 << 8))
	SQLITE_BUSY_TIMEOUT          = Code(SQLITE_BUSY | (3 << 8))
	SQLITE_LOCKED_SHAREDCACHE    = Code(SQLITE_LOCKED | (1 << 8))
	SQLITE_READONLY_DBMOVED      = Code(SQLITE_READONLY | (4 << 8))
	SQLITE_ABORT_ROLLBACK        = Code(SQLITE_ABORT | (2 << 8))
	SQLITE_CONSTRAINT_CHECK      = Code(SQLITE_CONSTRAINT | (1 << 8))
	SQLITE_CONSTRAINT_FOREIGNKEY = Code(SQLITE_CONSTRAINT | (3 << 8))
	SQLITE_CONSTRAINT_NOTNULL    = Code(SQLITE_CONSTRAINT | (5 << 8))
	SQLITE_CONSTRAINT_PRIMARYKEY = Code(SQLITE_CONSTRAINT | (6 << 8))
	SQLITE_CONSTRAINT_UNIQUE     = Code(SQLITE_CONSTRAINT | (8 << 8))
	SQLITE_CONSTRAINT_ROWID      = Code(SQLITE_CONSTRAINT | (10 << 8))
)

var codeNames = map[Code]string{
	SQLITE_OK:         "SQLITE_OK(not an error)",
	SQLITE_ROW:        "SQLITE_ROW(not an error)",
	SQLITE_DONE:       "SQLITE_DONE(not an error)",
	SQLITE_ERROR:      "SQLITE_ERROR",
	SQLITE_INTERNAL:   "SQLITE_INTERNAL",
	SQLITE_PERM:       "SQLITE_PERM",
	SQLITE_ABORT:      "SQLITE_ABORT",
	SQLITE_BUSY:       "SQLITE_BUSY",
	SQLITE_LOCKED:     "SQLITE_LOCKED",
	SQLITE_NOMEM:      "SQLITE_NOMEM",
	SQLITE_READONLY:   "SQLITE_READONLY",
	SQLITE_INTERRUPT:  "SQLITE_INTERRUPT",
	SQLITE_IOERR:      "SQLITE_IOERR",
	SQLITE_CORRUPT:    "SQLITE_CORRUPT",
	SQLITE_NOTFOUND:   "SQLITE_NOTFOUND",
	SQLITE_FULL:       "SQLITE_FULL",
	SQLITE_CANTOPEN:   "SQLITE_CANTOPEN",
	SQLITE_PROTOCOL:   "SQLITE_PROTOCOL",
	SQLITE_EMPTY:      "SQLITE_EMPTY",
	SQLITE_SCHEMA:     "SQLITE_SCHEMA",
	SQLITE_TOOBIG:     "SQLITE_TOOBIG",
	SQLITE_CONSTRAINT: "SQLITE_CONSTRAINT",
	SQLITE_MISMATCH:   "SQLITE_MISMATCH",
	SQLITE_MISUSE:     "SQLITE_MISUSE",
	SQLITE_NOLFS:      "SQLITE_NOLFS",
	SQLITE_AUTH:       "SQLITE_AUTH",
	SQLITE_FORMAT:     "SQLITE_FORMAT",
	SQLITE_RANGE:      "SQLITE_RANGE",
	SQLITE_NOTADB:     "SQLITE_NOTADB",
	SQLITE_NOTICE:     "SQLITE_NOTICE",
	SQLITE_WARNING:    "SQLITE_WARNING",

	SQLITE_ERROR_MISSING_COLLSEQ: "SQLITE_ERROR_MISSING_COLLSEQ",
	SQLITE_ERROR_RETRY:           "SQLITE_ERROR_RETRY",
	SQLITE_BUSY_RECOVERY:         "SQLITE_BUSY_RECOVERY",
	SQLITE_BUSY_SNAPSHOT:         "SQLITE_BUSY_SNAPSHOT",
	SQLITE_BUSY_TIMEOUT:          "SQLITE_BUSY_TIMEOUT",
	SQLITE_LOCKED_SHAREDCACHE:    "SQLITE_LOCKED_SHAREDCACHE",
	SQLITE_READONLY_DBMOVED:      "SQLITE_READONLY_DBMOVED",
	SQLITE_ABORT_ROLLBACK:        "SQLITE_ABORT_ROLLBACK",
	SQLITE_CONSTRAINT_CHECK:      "SQLITE_CONSTRAINT_CHECK",
	SQLITE_CONSTRAINT_FOREIGNKEY: "SQLITE_CONSTRAINT_FOREIGNKEY",
	SQLITE_CONSTRAINT_NOTNULL:    "SQLITE_CONSTRAINT_NOTNULL",
	SQLITE_CONSTRAINT_PRIMARYKEY: "SQLITE_CONSTRAINT_PRIMARYKEY",
	SQLITE_CONSTRAINT_UNIQUE:     "SQLITE_CONSTRAINT_UNIQUE",
	SQLITE_CONSTRAINT_ROWID:      "SQLITE_CONSTRAINT_ROWID",
}

// CodeAsError converts a result code into an ErrCode.
// SQLite non-error status codes return nil.
func CodeAsError(code Code) error {
	if code == SQLITE_OK || code == SQLITE_ROW || code == SQLITE_DONE {
		return nil
	}
	return ErrCode(code)
}
