// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sqlite drives SQLite statements through an explicit lifecycle.
//
// A Conn owns one SQLite handle. Statements created from it execute SQL
// text and then report either a ResultSet or an update count, never both:
//
//	conn, err := sqlite.Open(cfg, nil, logger)
//	stmt, err := conn.CreateStatement()
//	isQuery, err := stmt.Execute(ctx, "SELECT id, name FROM users")
//	if isQuery {
//		rs, err := stmt.ResultSet()
//		...
//	} else {
//		n := stmt.UpdateCount()
//	}
//
// # Concurrency
//
// The SQLite handle is single-threaded. Every engine call made by any
// statement of a Conn runs under the connection's execution lock, so
// statements may be used from different goroutines. A single Stmt is not
// safe for concurrent use, except for Cancel.
//
// # Timeouts
//
// A statement with a query timeout raises the connection busy timeout to
// that value while it executes and restores the previous value afterward.
// The busy timeout is connection-wide, so other statements see the raised
// value for the duration. A cancelled context interrupts the engine.
//
// # Extension commands
//
// Execute and ExecuteUpdate recognize two commands that are handled by
// the driver with the SQLite online backup API instead of being compiled:
//
//	backup [db] to <file>
//	restore [db] from <file>
//
// See package extcmd for the grammar.
//
// # Reading Time
//
// In general, time is hard to extract from SQLite as a time.Time.
// If a column is defined as DATE or DATETIME, then text data is parsed
// as TimeFormat and returned as a time.Time. Integer data is parsed as
// seconds since epoch and returned as a time.Time.
package sqlite

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tailscale/sqlstmt/sqliteh"
)

// TimeFormat is the string format this driver uses to store
// microsecond-precision time in SQLite in text format.
const TimeFormat = "2006-01-02 15:04:05.000-0700"

var maxConnID atomic.Int32

// UsesAfterClose is a metric that is incremented every time an operation is
// attempted on a connection after Close has already been called. The keys are
// internal identifiers for the code path that incremented a counter.
var UsesAfterClose expvar.Map

// Conn is a connection to an SQLite database.
type Conn struct {
	db     sqliteh.DB
	id     sqliteh.TraceConnID
	tracer sqliteh.Tracer
	logger log.Logger
	cfg    Config
	closed atomic.Bool

	// mu is the execution lock. It is held around every engine call.
	mu          sync.Mutex
	busyTimeout time.Duration      // guarded by mu; SQLite has no getter
	stmts       map[*Stmt]struct{} // guarded by mu
}

// Open opens the database named by cfg.URI.
//
// Tracer and logger may be nil.
func Open(cfg Config, tracer sqliteh.Tracer, logger log.Logger) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := openEngine(cfg)
	if err != nil {
		var ec sqliteh.ErrCode
		if errors.As(err, &ec) {
			e := &Error{
				Code: sqliteh.Code(ec),
				Loc:  "Open",
			}
			if db != nil {
				e.Msg = db.ErrMsg()
			}
			err = e
		}
		if db != nil {
			db.Close()
		}
		return nil, err
	}
	return NewConn(db, cfg, tracer, logger), nil
}

// NewConn wraps an already open engine handle. The Conn takes ownership
// of db. Only the statement defaults and BusyTimeout of cfg are used.
func NewConn(db sqliteh.DB, cfg Config, tracer sqliteh.Tracer, logger log.Logger) *Conn {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	id := sqliteh.TraceConnID(maxConnID.Add(1))
	c := &Conn{
		db:     db,
		id:     id,
		tracer: tracer,
		logger: log.With(logger, "conn", int(id)),
		cfg:    cfg,
		stmts:  make(map[*Stmt]struct{}),
	}
	if cfg.BusyTimeout > 0 {
		c.SetBusyTimeout(cfg.BusyTimeout)
	}
	return c
}

// ID identifies the connection in Tracer callbacks.
func (c *Conn) ID() sqliteh.TraceConnID { return c.id }

// CreateStatement returns a new statement using the Config defaults.
func (c *Conn) CreateStatement() (*Stmt, error) {
	if c.closed.Load() {
		UsesAfterClose.Add("CreateStatement", 1)
		return nil, ErrClosed
	}
	s := &Stmt{
		conn:         c,
		updateCount:  -1,
		queryTimeout: c.cfg.QueryTimeout,
		maxRows:      c.cfg.MaxRows,
		fetchSize:    c.cfg.FetchSize,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stmts[s] = struct{}{}
	return s, nil
}

// BusyTimeout reports the current connection busy timeout.
func (c *Conn) BusyTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyTimeout
}

// SetBusyTimeout calls sqlite3_busy_timeout on the underlying connection.
// It waits for any running statement to finish.
func (c *Conn) SetBusyTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setBusyTimeoutLocked(d)
}

func (c *Conn) setBusyTimeoutLocked(d time.Duration) {
	c.busyTimeout = d
	c.db.BusyTimeout(d)
}

// Interrupt calls sqlite3_interrupt. Whatever statement is running on
// the connection fails with SQLITE_INTERRUPT.
func (c *Conn) Interrupt() {
	if c.closed.Load() {
		UsesAfterClose.Add("Interrupt", 1)
		return
	}
	c.db.Interrupt()
}

// Close closes every statement of the connection and then the
// connection itself.
func (c *Conn) Close() error {
	// Don't double-close
	if !c.closed.CompareAndSwap(false, true) {
		UsesAfterClose.Add("Close", 1)
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.stmts {
		s.releaseLocked()
		s.closed.Store(true)
		delete(c.stmts, s)
	}
	return reserr(c.db, "Conn.Close", "", c.db.Close())
}

// ExecScript executes a set of SQL queries on the connection.
// It stops on the first error.
// It is recommended you wrap your script in a BEGIN; ... COMMIT; block.
func (c *Conn) ExecScript(ctx context.Context, queries string) error {
	_, err := run(ctx, c, 0, func() (struct{}, error) {
		for {
			queries = strings.TrimSpace(queries)
			if queries == "" {
				return struct{}{}, nil
			}
			start := time.Now()
			cstmt, rem, err := c.db.Prepare(queries)
			if err != nil {
				err = reserr(c.db, "ExecScript", queries, err)
				c.trace(ctx, queries, start, err)
				return struct{}{}, err
			}
			query := cstmt.SQL()
			queries = rem
			_, err = cstmt.Step()
			err = reserr(c.db, "ExecScript", query, err)
			cstmt.Finalize()
			c.trace(ctx, query, start, err)
			if err != nil {
				return struct{}{}, err
			}
		}
	})
	return err
}

func (c *Conn) trace(ctx context.Context, query string, start time.Time, err error) {
	if c.tracer != nil {
		c.tracer.Query(ctx, c.id, query, time.Since(start), err)
	}
}

// changesSince reports the rows changed by the statement that just ran,
// given the total change count from before it started.
// sqlite3_changes keeps its value across statements that change nothing,
// such as DDL, so it is only read when the total moved.
func (c *Conn) changesSince(total int64) int64 {
	if c.db.TotalChanges() == total {
		return 0
	}
	return c.db.Changes()
}

// run holds the execution lock of c for the duration of op.
// The busy timeout is raised to timeout while op runs and
// cancellation of ctx interrupts the engine.
func run[T any](ctx context.Context, c *Conn, timeout time.Duration, op func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		UsesAfterClose.Add("run", 1)
		return zero, ErrClosed
	}
	defer c.watchCancel(ctx)()
	return runWithTimeout(c, timeout, op)
}

// runWithTimeout runs op with the connection busy timeout set to
// timeout, restoring the previous value afterward even if op fails.
// A timeout of zero leaves the busy timeout alone.
// The caller must hold c.mu.
func runWithTimeout[T any](c *Conn, timeout time.Duration, op func() (T, error)) (T, error) {
	if timeout <= 0 {
		return op()
	}
	prev := c.busyTimeout
	c.setBusyTimeoutLocked(timeout)
	level.Debug(c.logger).Log("msg", "raised busy timeout", "timeout", timeout, "previous", prev)
	defer func() {
		c.setBusyTimeoutLocked(prev)
		level.Debug(c.logger).Log("msg", "restored busy timeout", "timeout", prev)
	}()
	return op()
}

// watchCancel interrupts the engine if ctx is cancelled before the
// returned stop function is called. Stop waits for the interrupt, if
// any, so that it cannot fire during a later execution.
func (c *Conn) watchCancel(ctx context.Context) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	pctx, pcancel := context.WithCancel(ctx)
	context.AfterFunc(pctx, func() {
		defer close(done)

		// Note: We respond to cancellation on the primary context (ctx) not
		// the cleanup context (pctx).
		if ctx.Err() != nil {
			c.db.Interrupt()
		}
	})
	return func() { pcancel(); <-done }
}

func (c *Conn) String() string {
	return fmt.Sprintf("sqlite.Conn(%d)", c.id)
}
