// Package sqlitepool implements a pool of SQLite database connections.
package sqlitepool

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tailscale/sqlstmt"
	"github.com/tailscale/sqlstmt/sqliteh"
)

// A Pool is a fixed-size pool of SQLite database connections.
// One is reserved for writable transactions, the others are
// used for read-only transactions.
type Pool struct {
	poolSize    int
	rwConnFree  chan *conn // cap == 1
	roConnsFree chan *conn // cap == poolSize-1
	txTracer    sqliteh.TxTracer // may be nil
	logger      log.Logger
	closed      chan struct{}
}

type conn struct {
	pool  *Pool
	c     *sqlite.Conn
	stmts []*sqlite.Stmt // statements created by the current Rx
}

// NewPool creates a Pool of poolSize database connections, each
// opened with cfg.
//
// For each connection, initFn is called to initialize the connection.
// Tracer and logger may be nil. If tracer implements sqliteh.TxTracer
// it is also told about every transaction.
func NewPool(cfg sqlite.Config, poolSize int, initFn func(context.Context, *sqlite.Conn) error, tracer sqliteh.Tracer, logger log.Logger) (p *Pool, err error) {
	if poolSize < 2 {
		return nil, fmt.Errorf("sqlitepool.NewPool: poolSize=%d is too small", poolSize)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p = &Pool{
		poolSize:    poolSize,
		rwConnFree:  make(chan *conn, 1),
		roConnsFree: make(chan *conn, poolSize-1),
		logger:      logger,
		closed:      make(chan struct{}),
	}
	p.txTracer, _ = tracer.(sqliteh.TxTracer)
	var opened []*sqlite.Conn
	defer func() {
		if err != nil {
			err = fmt.Errorf("sqlitepool.NewPool: %w", err)
			for _, c := range opened {
				c.Close()
			}
		}
	}()
	ctx := context.Background()
	for i := 0; i < poolSize; i++ {
		sc, err := sqlite.Open(cfg, tracer, logger)
		if err != nil {
			return nil, err
		}
		opened = append(opened, sc)
		if initFn != nil {
			if err := initFn(ctx, sc); err != nil {
				return nil, err
			}
		}
		c := &conn{pool: p, c: sc}
		if i == 0 {
			p.rwConnFree <- c
		} else {
			if err := sc.ExecScript(ctx, "PRAGMA query_only=true"); err != nil {
				return nil, err
			}
			p.roConnsFree <- c
		}
	}
	return p, nil
}

// Close waits for every connection to be returned to the pool and
// closes them.
func (p *Pool) Close() error {
	select {
	case <-p.closed:
		return errors.New("pool already closed")
	default:
	}
	close(p.closed)

	c := <-p.rwConnFree
	err := c.c.Close()

	for i := 0; i < p.poolSize-1; i++ {
		c := <-p.roConnsFree
		err2 := c.c.Close()
		if err == nil {
			err = err2
		}
	}
	return err
}

var errPoolClosed = fmt.Errorf("%w: sqlitepool closed", context.Canceled)

// BeginTx creates a writable transaction using BEGIN IMMEDIATE.
// The parameter why is passed to the TxTracer and logged, for debugging.
func (p *Pool) BeginTx(ctx context.Context, why string) (*Tx, error) {
	select {
	case <-p.closed:
		return nil, errPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case conn := <-p.rwConnFree:
		tx := &Tx{Rx: &Rx{conn: conn, inTx: true}}
		err := tx.Exec(ctx, "BEGIN IMMEDIATE;")
		p.traceBegin(ctx, conn, why, false, err)
		if err != nil {
			p.rwConnFree <- conn // can't block, buffer is big enough
			return nil, err
		}
		return tx, nil
	}
}

// BeginRx creates a read-only transaction.
// The parameter why is passed to the TxTracer and logged, for debugging.
func (p *Pool) BeginRx(ctx context.Context, why string) (*Rx, error) {
	select {
	case <-p.closed:
		return nil, errPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case conn := <-p.roConnsFree:
		rx := &Rx{conn: conn}
		err := rx.Exec(ctx, "BEGIN;")
		p.traceBegin(ctx, conn, why, true, err)
		if err != nil {
			p.roConnsFree <- conn // can't block, buffer is big enough
			return nil, err
		}
		return rx, nil
	}
}

func (p *Pool) traceBegin(ctx context.Context, conn *conn, why string, readOnly bool, err error) {
	if p.txTracer != nil {
		p.txTracer.BeginTx(ctx, conn.c.ID(), why, readOnly, err)
	}
	if err != nil {
		level.Warn(p.logger).Log("msg", "begin failed", "conn", int(conn.c.ID()), "why", why, "read_only", readOnly, "err", err)
		return
	}
	level.Debug(p.logger).Log("msg", "begin", "conn", int(conn.c.ID()), "why", why, "read_only", readOnly)
}

// Rx is a read-only transaction.
//
// It is *not* safe for concurrent use.
type Rx struct {
	conn *conn
	inTx bool // true if this Rx is embedded in a writable Tx

	// OnRollback is an optional function called after rollback.
	// If Rx is part of a Tx and it is committed, then OnRollback
	// is not called.
	OnRollback func()
}

var errDone = errors.New("sqlitepool: transaction already done")

// Exec executes a script of SQL statements with no result.
func (rx *Rx) Exec(ctx context.Context, sql string) error {
	if rx.conn == nil {
		return errDone
	}
	return rx.conn.c.ExecScript(ctx, sql)
}

// CreateStatement returns a statement on the transaction's connection.
// It is closed when the transaction ends.
func (rx *Rx) CreateStatement() (*sqlite.Stmt, error) {
	if rx.conn == nil {
		return nil, errDone
	}
	s, err := rx.conn.c.CreateStatement()
	if err != nil {
		return nil, err
	}
	rx.conn.stmts = append(rx.conn.stmts, s)
	return s, nil
}

// Conn returns the underlying database connection.
//
// Be careful: a transaction is in progress. Any use of BEGIN/COMMIT/ROLLBACK
// should be modelled as a nested transaction, and when done the original
// outer transaction should be left in-progress.
func (rx *Rx) Conn() *sqlite.Conn {
	if rx.conn == nil {
		return nil
	}
	return rx.conn.c
}

// end closes the statements of the transaction and runs its final
// query. The connection must be returned to the pool afterwards.
func (rx *Rx) end(query string) error {
	for _, s := range rx.conn.stmts {
		s.Close()
	}
	rx.conn.stmts = nil
	return rx.conn.c.ExecScript(context.Background(), query)
}

func (c *conn) traceRollback(err error) {
	if c.pool.txTracer != nil {
		c.pool.txTracer.Rollback(c.c.ID(), err)
	}
}

// Rollback executes ROLLBACK and cleans up the Rx.
// It is a no-op if Rx is already rolled back.
func (rx *Rx) Rollback() {
	if rx.conn == nil {
		return
	}
	if rx.inTx {
		panic("Tx.Rx.Rollback called, only call Rollback on the Tx object")
	}
	err := rx.end("ROLLBACK;")
	rx.conn.traceRollback(err)
	rx.conn.pool.roConnsFree <- rx.conn
	rx.conn = nil
	if rx.OnRollback != nil {
		rx.OnRollback()
		rx.OnRollback = nil
	}
	if err != nil {
		panic(err)
	}
}

// Tx is a writable SQLite database transaction.
//
// It is *not* safe for concurrent use.
//
// A Tx contains an embedded Rx, which can be used to pass to functions
// that want to perform read-only queries on the writable Tx.
type Tx struct {
	*Rx

	// OnCommit is an optional function called after successful commit.
	OnCommit func()
}

// Rollback executes ROLLBACK and cleans up the Tx.
// It is a no-op if the Tx is already rolled back or committed.
func (tx *Tx) Rollback() {
	if tx.conn == nil {
		return
	}
	err := tx.end("ROLLBACK;")
	tx.conn.traceRollback(err)
	tx.conn.pool.rwConnFree <- tx.conn
	tx.conn = nil
	if tx.OnRollback != nil {
		tx.OnRollback()
		tx.OnRollback = nil
		tx.OnCommit = nil
	}
	if err != nil {
		panic(err)
	}
}

// Commit executes COMMIT and cleans up the Tx.
// It is an error to call if the Tx is already rolled back or committed.
//
// If COMMIT fails the transaction is rolled back.
func (tx *Tx) Commit() error {
	if tx.conn == nil {
		return errDone
	}
	err := tx.end("COMMIT;")
	if err != nil {
		// A failed COMMIT can leave the transaction open. If it did
		// not, ROLLBACK fails harmlessly.
		tx.conn.c.ExecScript(context.Background(), "ROLLBACK;")
	}
	if t := tx.conn.pool.txTracer; t != nil {
		t.Commit(tx.conn.c.ID(), err)
	}
	tx.conn.pool.rwConnFree <- tx.conn
	tx.conn = nil
	if err != nil {
		if tx.OnRollback != nil {
			tx.OnRollback()
		}
	} else if tx.OnCommit != nil {
		tx.OnCommit()
	}
	tx.OnCommit = nil
	tx.OnRollback = nil
	return err
}
