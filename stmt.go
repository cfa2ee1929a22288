// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/tailscale/sqlstmt/extcmd"
	"github.com/tailscale/sqlstmt/sqliteh"
)

// Modes for MoreResults.
const (
	CloseCurrentResult = 1
	KeepCurrentResult  = 2
	CloseAllResults    = 3
)

// Fetch directions accepted by SetFetchDirection.
const (
	FetchForward = 1000
	FetchReverse = 1001
	FetchUnknown = 1002
)

// Fixed result set properties. SQLite offers one cursor model only.
const (
	ConcurReadOnly       = 1007
	CloseCursorsAtCommit = 2
	TypeForwardOnly      = 1003
)

// State is the lifecycle state of a Stmt.
type State int

const (
	StateIdle           State = iota // no prepared handle
	StatePrepared                    // handle prepared, not yet stepped
	StateHasResult                   // execution produced result columns
	StateHasUpdateCount              // execution ran to completion without result columns
	StateExhausted                   // result consumed or closed; handle kept until the next execution
)

func (st State) String() string {
	switch st {
	case StateIdle:
		return "IDLE"
	case StatePrepared:
		return "PREPARED"
	case StateHasResult:
		return "HAS_RESULT"
	case StateHasUpdateCount:
		return "HAS_UPDATE_COUNT"
	case StateExhausted:
		return "EXHAUSTED"
	}
	return fmt.Sprintf("State(%d)", int(st))
}

// Stmt executes SQL text on a Conn and tracks what the last execution
// produced.
//
// At most one prepared handle is open per Stmt. Every execution releases
// the handle and result set of the previous one first.
type Stmt struct {
	conn   *Conn
	closed atomic.Bool

	sql            string
	handle         sqliteh.Stmt // nil when idle
	stepped        bool
	numCols        int
	colNames       []string // cached per prepare
	rs             *ResultSet
	resultsWaiting bool // the first row was stepped but not read
	exhausted      bool
	updateCount    int64
	batch          []string

	queryTimeout      time.Duration
	maxRows           int64
	fetchSize         int
	closeOnCompletion bool
}

// Conn returns the connection that created s.
func (s *Stmt) Conn() *Conn { return s.conn }

// SQL returns the SQL text of the last execution.
func (s *Stmt) SQL() string { return s.sql }

// State reports the lifecycle state of s.
func (s *Stmt) State() State {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	switch {
	case s.handle == nil:
		return StateIdle
	case s.exhausted:
		return StateExhausted
	case !s.stepped:
		return StatePrepared
	case s.numCols > 0:
		return StateHasResult
	default:
		return StateHasUpdateCount
	}
}

func (s *Stmt) checkOpen(op string) error {
	if s.closed.Load() {
		UsesAfterClose.Add("Stmt."+op, 1)
		return ErrClosed
	}
	return nil
}

// Close releases the prepared handle and any open result set.
// Closing a closed statement is a no-op.
func (s *Stmt) Close() error {
	if s.conn.closed.Load() {
		UsesAfterClose.Add("Stmt.Close_conn", 1)
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		UsesAfterClose.Add("Stmt.Close", 1)
		return nil
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	s.releaseLocked()
	s.batch = nil
	delete(s.conn.stmts, s)
	return nil
}

// reset releases everything held by the previous execution.
// It is the first step of every execution.
func (s *Stmt) reset(op string) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	s.releaseLocked()
	return nil
}

// releaseLocked finalizes the prepared handle and detaches the result
// set. The caller must hold conn.mu.
func (s *Stmt) releaseLocked() {
	if s.rs != nil {
		s.rs.closed = true
		s.rs = nil
	}
	if s.handle != nil {
		if err := s.handle.Finalize(); err != nil {
			level.Warn(s.conn.logger).Log("msg", "finalize failed", "query", s.sql, "err", reserr(s.conn.db, "Stmt.Finalize", s.sql, err))
		}
		s.handle = nil
	}
	s.stepped = false
	s.numCols = 0
	s.colNames = nil
	s.resultsWaiting = false
	s.exhausted = false
	s.updateCount = -1
}

// prepareLocked compiles s.sql into s.handle.
// The caller must hold conn.mu.
func (s *Stmt) prepareLocked(loc string) error {
	db := s.conn.db
	h, rem, err := db.Prepare(s.sql)
	if err != nil {
		return reserr(db, loc, s.sql, err)
	}
	if strings.TrimSpace(rem) != "" {
		h.Finalize()
		return &Error{
			Code:  sqliteh.SQLITE_MISUSE,
			Loc:   loc,
			Query: s.sql,
			Msg:   fmt.Sprintf("query has trailing text: %q", rem),
		}
	}
	s.handle = h
	return nil
}

// stepLocked prepares s.sql and runs its first step. It reports whether
// the statement has result columns. On failure the handle is released.
// The caller must hold conn.mu.
func (s *Stmt) stepLocked(ctx context.Context, loc string) (hasCols bool, err error) {
	c := s.conn
	start := time.Now()
	defer func() {
		c.trace(ctx, s.sql, start, err)
		if err != nil {
			level.Debug(c.logger).Log("msg", "execute failed", "loc", loc, "query", s.sql, "err", err)
		}
	}()

	total := c.db.TotalChanges()
	if err := s.prepareLocked(loc); err != nil {
		return false, err
	}
	row, err := s.handle.Step()
	if err != nil {
		err = reserr(c.db, loc, s.sql, err)
		s.releaseLocked()
		return false, err
	}
	s.stepped = true
	s.numCols = s.handle.ColumnCount()
	s.resultsWaiting = row
	s.updateCount = c.changesSince(total)
	s.exhausted = false
	return s.numCols != 0, nil
}

// Execute runs sql and reports whether it has result columns.
// If so, the rows are read through ResultSet. Otherwise UpdateCount
// reports the number of rows changed.
//
// Extension commands run immediately and report false.
func (s *Stmt) Execute(ctx context.Context, sql string) (bool, error) {
	if err := s.reset("Execute"); err != nil {
		return false, err
	}
	cmd, err := extcmd.Parse(sql)
	if err != nil {
		return false, err
	}
	if _, plain := cmd.(extcmd.Plain); !plain {
		return false, s.execCommand(ctx, sql, cmd)
	}
	s.sql = sql
	return run(ctx, s.conn, s.queryTimeout, func() (bool, error) {
		return s.stepLocked(ctx, "Execute")
	})
}

// ExecuteQuery runs sql and returns its result set.
// It fails with ErrNoResultSet, leaving the statement idle, if sql has
// no result columns. A query that matches no rows returns an empty
// result set.
func (s *Stmt) ExecuteQuery(ctx context.Context, sql string) (*ResultSet, error) {
	if err := s.reset("ExecuteQuery"); err != nil {
		return nil, err
	}
	s.sql = sql
	hasCols, err := run(ctx, s.conn, s.queryTimeout, func() (bool, error) {
		return s.stepLocked(ctx, "ExecuteQuery")
	})
	if err != nil {
		return nil, err
	}
	if !hasCols {
		if err := s.reset("ExecuteQuery"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite.ExecuteQuery: %w (%s)", ErrNoResultSet, sql)
	}
	return s.ResultSet()
}

// ExecuteUpdate is ExecuteLargeUpdate with the count truncated to int.
func (s *Stmt) ExecuteUpdate(ctx context.Context, sql string) (int, error) {
	n, err := s.ExecuteLargeUpdate(ctx, sql)
	return int(n), err
}

// ExecuteLargeUpdate runs every ;-separated statement in sql and returns
// the number of rows they changed in total. Extension commands report 0.
//
// No handle is kept afterward: UpdateCount reports -1 and ResultSet nil.
func (s *Stmt) ExecuteLargeUpdate(ctx context.Context, sql string) (int64, error) {
	if err := s.reset("ExecuteUpdate"); err != nil {
		return 0, err
	}
	cmd, err := extcmd.Parse(sql)
	if err != nil {
		return 0, err
	}
	if _, plain := cmd.(extcmd.Plain); !plain {
		return 0, s.execCommand(ctx, sql, cmd)
	}
	s.sql = sql
	c := s.conn
	return run(ctx, c, s.queryTimeout, func() (n int64, err error) {
		start := time.Now()
		defer func() { c.trace(ctx, sql, start, err) }()
		total := c.db.TotalChanges()
		if err := c.db.Exec(sql); err != nil {
			err = reserr(c.db, "ExecuteUpdate", sql, err)
			level.Debug(c.logger).Log("msg", "execute failed", "loc", "ExecuteUpdate", "query", sql, "err", err)
			return 0, err
		}
		return c.db.TotalChanges() - total, nil
	})
}

// execCommand runs an extension command under the execution lock.
func (s *Stmt) execCommand(ctx context.Context, sql string, cmd extcmd.Command) error {
	s.sql = sql
	c := s.conn
	_, err := run(ctx, c, s.queryTimeout, func() (_ struct{}, err error) {
		start := time.Now()
		defer func() { c.trace(ctx, sql, start, err) }()
		err = extcmd.Exec(c.db, cmd, func(remaining, pageCount int) {
			level.Info(c.logger).Log("msg", "backup progress", "command", cmd, "remaining", remaining, "page_count", pageCount)
		})
		return struct{}{}, reserr(c.db, "Execute", sql, err)
	})
	return err
}

// ExecuteWithColumnIndexes is not supported.
func (s *Stmt) ExecuteWithColumnIndexes(ctx context.Context, sql string, columnIndexes []int) (bool, error) {
	return false, notImplemented("ExecuteWithColumnIndexes")
}

// ExecuteWithColumnNames is not supported.
func (s *Stmt) ExecuteWithColumnNames(ctx context.Context, sql string, columnNames []string) (bool, error) {
	return false, notImplemented("ExecuteWithColumnNames")
}

// ExecuteUpdateWithColumnIndexes is not supported.
func (s *Stmt) ExecuteUpdateWithColumnIndexes(ctx context.Context, sql string, columnIndexes []int) (int, error) {
	return 0, notImplemented("ExecuteUpdateWithColumnIndexes")
}

// ExecuteUpdateWithColumnNames is not supported.
func (s *Stmt) ExecuteUpdateWithColumnNames(ctx context.Context, sql string, columnNames []string) (int, error) {
	return 0, notImplemented("ExecuteUpdateWithColumnNames")
}

// ExecuteLargeUpdateWithColumnIndexes is not supported.
func (s *Stmt) ExecuteLargeUpdateWithColumnIndexes(ctx context.Context, sql string, columnIndexes []int) (int64, error) {
	return 0, notImplemented("ExecuteLargeUpdateWithColumnIndexes")
}

// ExecuteLargeUpdateWithColumnNames is not supported.
func (s *Stmt) ExecuteLargeUpdateWithColumnNames(ctx context.Context, sql string, columnNames []string) (int64, error) {
	return 0, notImplemented("ExecuteLargeUpdateWithColumnNames")
}

func notImplemented(op string) error {
	return fmt.Errorf("sqlite.%s: %w", op, ErrNotImplemented)
}

// ResultSet returns the result set of the last execution.
//
// It returns nil if the execution had no result columns or its result
// was already consumed with MoreResults or ResultSet.Close. Calling it
// again while the result set is open fails with ErrResultSetOpen.
func (s *Stmt) ResultSet() (*ResultSet, error) {
	if err := s.checkOpen("ResultSet"); err != nil {
		return nil, err
	}
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.exhausted {
		return nil, nil
	}
	if s.rs != nil {
		return nil, ErrResultSetOpen
	}
	if s.handle == nil || s.handle.ColumnCount() == 0 {
		return nil, nil
	}
	if s.colNames == nil {
		s.colNames = make([]string, s.handle.ColumnCount())
		for i := range s.colNames {
			s.colNames[i] = s.handle.ColumnName(i)
		}
	}
	s.rs = &ResultSet{
		stmt:      s,
		cols:      s.colNames,
		pending:   s.resultsWaiting,
		done:      !s.resultsWaiting,
		maxRows:   s.maxRows,
		fetchSize: s.fetchSize,
	}
	s.resultsWaiting = false
	return s.rs, nil
}

// UpdateCount is LargeUpdateCount truncated to int.
func (s *Stmt) UpdateCount() int {
	return int(s.LargeUpdateCount())
}

// LargeUpdateCount reports the number of rows changed by the last
// execution, or -1 if the execution had result columns, its result set
// is open, or there is no current execution.
//
// The column count is read from the engine on every call.
func (s *Stmt) LargeUpdateCount() int64 {
	if s.closed.Load() {
		return -1
	}
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.handle == nil || s.rs != nil || s.resultsWaiting || s.handle.ColumnCount() != 0 {
		return -1
	}
	return s.updateCount
}

// MoreResults moves to the next result of the last execution.
// SQLite produces one result per execution, so the only supported mode,
// CloseCurrentResult, closes the current result set and reports false.
// Afterward UpdateCount is -1 and ResultSet is nil until the next
// execution.
func (s *Stmt) MoreResults(mode int) (bool, error) {
	if err := s.checkOpen("MoreResults"); err != nil {
		return false, err
	}
	switch mode {
	case CloseCurrentResult:
	case KeepCurrentResult, CloseAllResults:
		return false, notImplemented("MoreResults")
	default:
		return false, argErrorf("MoreResults", "invalid mode %d", mode)
	}
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.rs != nil {
		s.rs.closeLocked()
	} else if s.handle != nil {
		s.handle.Reset()
	}
	s.resultsWaiting = false
	s.updateCount = -1
	s.exhausted = true
	return false, nil
}

// Cancel interrupts whatever statement is running on the connection,
// not only s.
func (s *Stmt) Cancel() error {
	if err := s.checkOpen("Cancel"); err != nil {
		return err
	}
	s.conn.Interrupt()
	return nil
}

// QueryTimeout reports the busy timeout applied during executions.
func (s *Stmt) QueryTimeout() time.Duration { return s.queryTimeout }

// SetQueryTimeout sets the busy timeout applied during executions.
// Zero keeps the connection's own busy timeout.
func (s *Stmt) SetQueryTimeout(d time.Duration) error {
	if d < 0 {
		return argErrorf("SetQueryTimeout", "query timeout must be >= 0")
	}
	s.queryTimeout = d
	return nil
}

// MaxRows is LargeMaxRows truncated to int.
func (s *Stmt) MaxRows() int { return int(s.maxRows) }

// LargeMaxRows reports the row limit of result sets. Zero means no limit.
func (s *Stmt) LargeMaxRows() int64 { return s.maxRows }

// SetMaxRows is SetLargeMaxRows for int.
func (s *Stmt) SetMaxRows(max int) error { return s.SetLargeMaxRows(int64(max)) }

// SetLargeMaxRows limits the number of rows result sets return.
// Zero means no limit.
func (s *Stmt) SetLargeMaxRows(max int64) error {
	if max < 0 {
		return argErrorf("SetMaxRows", "max row count must be >= 0")
	}
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	s.maxRows = max
	if s.rs != nil {
		s.rs.maxRows = max
	}
	return nil
}

// MaxFieldSize is always 0, no limit.
func (s *Stmt) MaxFieldSize() int { return 0 }

// SetMaxFieldSize validates max. Field sizes are not limited.
func (s *Stmt) SetMaxFieldSize(max int) error {
	if max < 0 {
		return argErrorf("SetMaxFieldSize", "max field size %d cannot be negative", max)
	}
	return nil
}

// FetchSize reports the fetch size hint of result sets.
func (s *Stmt) FetchSize() int { return s.fetchSize }

// SetFetchSize sets the fetch size hint. It must not be negative or
// exceed a non-zero max rows.
func (s *Stmt) SetFetchSize(rows int) error {
	if err := checkFetchSize("SetFetchSize", rows, s.maxRows); err != nil {
		return err
	}
	s.fetchSize = rows
	return nil
}

func checkFetchSize(op string, rows int, maxRows int64) error {
	if rows < 0 || (maxRows != 0 && int64(rows) > maxRows) {
		return argErrorf(op, "fetch size %d out of bounds %d", rows, maxRows)
	}
	return nil
}

// FetchDirection is always FetchForward.
func (s *Stmt) FetchDirection() int { return FetchForward }

// SetFetchDirection accepts FetchForward, FetchReverse and FetchUnknown.
// Rows are always read forward.
func (s *Stmt) SetFetchDirection(direction int) error {
	switch direction {
	case FetchForward, FetchReverse, FetchUnknown:
		return nil
	}
	return argErrorf("SetFetchDirection", "unknown fetch direction %d, must be one of FetchForward, FetchReverse or FetchUnknown", direction)
}

func (s *Stmt) ResultSetConcurrency() int { return ConcurReadOnly }
func (s *Stmt) ResultSetHoldability() int { return CloseCursorsAtCommit }
func (s *Stmt) ResultSetType() int        { return TypeForwardOnly }

// SetCursorName and SetEscapeProcessing are no-ops.
func (s *Stmt) SetCursorName(name string) {}
func (s *Stmt) SetEscapeProcessing(bool)  {}

// SetCloseOnCompletion makes closing the result set close s as well.
func (s *Stmt) SetCloseOnCompletion(on bool) { s.closeOnCompletion = on }

// IsCloseOnCompletion reports the value set by SetCloseOnCompletion.
func (s *Stmt) IsCloseOnCompletion() bool { return s.closeOnCompletion }

// IsClosed reports whether s or its connection was closed.
func (s *Stmt) IsClosed() bool { return s.closed.Load() }

// ErrResultSetOpen is returned by ResultSet when the result set of the
// current execution was already requested and is still open.
var ErrResultSetOpen = errors.New("sqlite3: ResultSet already requested")
