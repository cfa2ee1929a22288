// Package enginetest provides a scripted in-memory implementation of the
// sqliteh engine contract.
//
// Every statement the fake should understand is registered with Script.
// Lookups use the statement text with surrounding whitespace and the
// trailing semicolon removed. Preparing unknown text fails with
// SQLITE_ERROR, the way SQLite rejects a reference to a missing table.
package enginetest

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailscale/sqlstmt/sqliteh"
)

// Result scripts the behavior of one statement.
type Result struct {
	// Columns names the result columns. A statement without columns
	// runs to completion on its first Step.
	Columns []string
	// DeclTypes are the declared column types, parallel to Columns.
	DeclTypes []string
	// Rows are produced in order. Values are int64, float64, string,
	// []byte or nil.
	Rows [][]any
	// Changes is the number of rows the statement modifies.
	// Zero leaves the connection's last change count untouched, the way
	// DDL does in SQLite.
	Changes int64

	// PrepareErr fails Prepare with this code.
	PrepareErr sqliteh.Code
	// StepErr fails the first Step with this code.
	StepErr sqliteh.Code
	// ErrMsg is reported by ErrMsg after a failure.
	ErrMsg string
	// Wait, if non-nil, blocks the first Step until it is closed or the
	// connection is interrupted.
	Wait chan struct{}
	// Started, if non-nil, is closed when the first Step starts waiting.
	// A Result with Started set must run only once.
	Started chan struct{}
}

// BackupCall records one call to DB.Backup.
type BackupCall struct {
	Schema   string
	Filename string
	Restore  bool
}

// DB implements sqliteh.DB.
type DB struct {
	mu       sync.Mutex
	script   map[string]*Result
	closed   bool
	changes  int64
	total    int64
	errCode  sqliteh.Code
	errMsg   string
	history  []time.Duration
	backups  []BackupCall
	backupRC sqliteh.Code
	open     int
	prepared []string

	interrupt  chan struct{}
	interrupts atomic.Int32

	// inFlight counts Prepare/Step/Exec calls currently running.
	inFlight atomic.Int32
	overlaps atomic.Int32
}

// New returns an empty fake engine.
func New() *DB {
	return &DB{
		script:    make(map[string]*Result),
		interrupt: make(chan struct{}, 1),
	}
}

// Open implements sqliteh.OpenFunc by returning db regardless of arguments.
func (db *DB) Open(filename string, flags sqliteh.OpenFlags, vfs string) (sqliteh.DB, error) {
	return db, nil
}

// Script registers res as the behavior of sql.
func (db *DB) Script(sql string, res Result) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.script[key(sql)] = &res
	return db
}

// FailBackups makes every following Backup call fail with code.
func (db *DB) FailBackups(code sqliteh.Code) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.backupRC = code
}

// BusyTimeouts reports every value passed to BusyTimeout, in order.
func (db *DB) BusyTimeouts() []time.Duration {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]time.Duration(nil), db.history...)
}

// Backups reports every Backup call, in order.
func (db *DB) Backups() []BackupCall {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]BackupCall(nil), db.backups...)
}

// Prepared reports the text of every successful Prepare, in order.
func (db *DB) Prepared() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.prepared...)
}

// OpenStmts reports the number of prepared statements not yet finalized.
func (db *DB) OpenStmts() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.open
}

// Interrupts reports how many times Interrupt was called.
func (db *DB) Interrupts() int { return int(db.interrupts.Load()) }

// Overlaps reports how many engine calls started while another was
// still running on the same connection.
func (db *DB) Overlaps() int { return int(db.overlaps.Load()) }

// Closed reports whether Close was called.
func (db *DB) Closed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

func key(sql string) string {
	return strings.TrimSuffix(strings.TrimSpace(sql), ";")
}

func (db *DB) enter() func() {
	if db.inFlight.Add(1) > 1 {
		db.overlaps.Add(1)
	}
	return func() { db.inFlight.Add(-1) }
}

func (db *DB) fail(code sqliteh.Code, msg string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.errCode = code
	if msg == "" {
		msg = code.String()
	}
	db.errMsg = msg
	return sqliteh.ErrCode(code)
}

func (db *DB) apply(res *Result) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.errCode = sqliteh.SQLITE_OK
	db.errMsg = ""
	if res.Changes > 0 {
		db.changes = res.Changes
		db.total += res.Changes
	}
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

func (db *DB) ErrMsg() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.errMsg
}

func (db *DB) Changes() int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.changes
}

func (db *DB) TotalChanges() int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.total
}

func (db *DB) ExtendedErrCode() sqliteh.Code {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.errCode
}

func (db *DB) BusyTimeout(d time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.history = append(db.history, d)
}

func (db *DB) Interrupt() {
	db.interrupts.Add(1)
	select {
	case db.interrupt <- struct{}{}:
	default:
	}
}

func (db *DB) lookup(sql string) (*Result, error) {
	db.mu.Lock()
	res, ok := db.script[key(sql)]
	db.mu.Unlock()
	if !ok {
		return nil, db.fail(sqliteh.SQLITE_ERROR, fmt.Sprintf("no such statement: %s", key(sql)))
	}
	if res.PrepareErr != 0 {
		return nil, db.fail(res.PrepareErr, res.ErrMsg)
	}
	return res, nil
}

func (db *DB) Prepare(query string) (sqliteh.Stmt, string, error) {
	defer db.enter()()
	first, rest, _ := strings.Cut(query, ";")
	var res *Result
	if strings.TrimSpace(first) == "" {
		res = &Result{}
	} else {
		var err error
		if res, err = db.lookup(first); err != nil {
			return nil, "", err
		}
	}
	db.mu.Lock()
	db.open++
	db.prepared = append(db.prepared, key(first))
	db.mu.Unlock()
	return &Stmt{db: db, sql: strings.TrimSpace(first), res: res}, rest, nil
}

func (db *DB) Exec(query string) error {
	defer db.enter()()
	for _, q := range strings.Split(query, ";") {
		if strings.TrimSpace(q) == "" {
			continue
		}
		res, err := db.lookup(q)
		if err != nil {
			return err
		}
		if err := db.run(res); err != nil {
			return err
		}
		db.apply(res)
	}
	return nil
}

// run performs the blocking and failing parts of a first Step.
func (db *DB) run(res *Result) error {
	select {
	case <-db.interrupt:
		return db.fail(sqliteh.SQLITE_INTERRUPT, "interrupted")
	default:
	}
	if res.Wait != nil {
		if res.Started != nil {
			close(res.Started)
		}
		select {
		case <-res.Wait:
		case <-db.interrupt:
			return db.fail(sqliteh.SQLITE_INTERRUPT, "interrupted")
		}
	}
	if res.StepErr != 0 {
		return db.fail(res.StepErr, res.ErrMsg)
	}
	return nil
}

func (db *DB) Backup(schema, filename string, restore bool, progress sqliteh.BackupProgress) error {
	db.mu.Lock()
	db.backups = append(db.backups, BackupCall{Schema: schema, Filename: filename, Restore: restore})
	rc := db.backupRC
	db.mu.Unlock()
	if rc != 0 {
		return db.fail(rc, "")
	}
	if progress != nil {
		progress(0, 1)
	}
	return nil
}

// Stmt implements sqliteh.Stmt.
type Stmt struct {
	db        *DB
	sql       string
	res       *Result
	stepped   bool
	row       int // index of the current row plus one
	finalized bool
}

func (s *Stmt) DBHandle() sqliteh.DB { return s.db }
func (s *Stmt) SQL() string { return s.sql }

func (s *Stmt) Reset() error {
	s.stepped = false
	s.row = 0
	return nil
}

func (s *Stmt) Finalize() error {
	if s.finalized {
		return nil
	}
	s.finalized = true
	s.db.mu.Lock()
	s.db.open--
	s.db.mu.Unlock()
	return nil
}

func (s *Stmt) Step() (bool, error) {
	if s.finalized {
		return false, s.db.fail(sqliteh.SQLITE_MISUSE, "statement finalized")
	}
	defer s.db.enter()()
	if !s.stepped {
		s.stepped = true
		if err := s.db.run(s.res); err != nil {
			return false, err
		}
		s.db.apply(s.res)
	}
	if len(s.res.Columns) == 0 || s.row >= len(s.res.Rows) {
		return false, nil
	}
	s.row++
	return true, nil
}

func (s *Stmt) ColumnCount() int { return len(s.res.Columns) }
func (s *Stmt) ColumnName(col int) string { return s.res.Columns[col] }

func (s *Stmt) ColumnDeclType(col int) string {
	if col < len(s.res.DeclTypes) {
		return s.res.DeclTypes[col]
	}
	return ""
}

func (s *Stmt) value(col int) any {
	if s.row == 0 || s.row > len(s.res.Rows) {
		return nil
	}
	return s.res.Rows[s.row-1][col]
}

func (s *Stmt) ColumnType(col int) sqliteh.ColumnType {
	switch s.value(col).(type) {
	case int64:
		return sqliteh.SQLITE_INTEGER
	case float64:
		return sqliteh.SQLITE_FLOAT
	case string:
		return sqliteh.SQLITE_TEXT
	case []byte:
		return sqliteh.SQLITE_BLOB
	default:
		return sqliteh.SQLITE_NULL
	}
}

func (s *Stmt) ColumnInt64(col int) int64 {
	v, _ := s.value(col).(int64)
	return v
}

func (s *Stmt) ColumnDouble(col int) float64 {
	v, _ := s.value(col).(float64)
	return v
}

func (s *Stmt) ColumnText(col int) string {
	switch v := s.value(col).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func (s *Stmt) ColumnBlob(col int) []byte {
	switch v := s.value(col).(type) {
	case []byte:
		return append([]byte(nil), v...)
	case string:
		return []byte(v)
	}
	return nil
}

var (
	_ sqliteh.DB   = (*DB)(nil)
	_ sqliteh.Stmt = (*Stmt)(nil)
)
