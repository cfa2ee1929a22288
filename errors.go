// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tailscale/sqlstmt/sqliteh"
)

// ErrClosed is returned when an operation is attempted on a statement or
// connection after Close has already been called.
var ErrClosed = errors.New("sqlite3: already closed")

// ErrNoResultSet is returned by ExecuteQuery when the SQL has no
// result columns.
var ErrNoResultSet = errors.New("sqlite3: query does not return ResultSet")

// ErrNotImplemented is returned by the parts of the statement API this
// driver does not support. It matches errors.ErrUnsupported.
var ErrNotImplemented = fmt.Errorf("sqlite3: not implemented: %w", errors.ErrUnsupported)

// ErrInvalidArgument matches every *ArgError.
var ErrInvalidArgument = errors.New("sqlite3: invalid argument")

// ArgError reports a bad argument to a statement method.
// Returning one never modifies the statement.
type ArgError struct {
	Op  string // method name, e.g. "SetQueryTimeout"
	Msg string
}

func (e *ArgError) Error() string { return "sqlite." + e.Op + ": " + e.Msg }
func (e *ArgError) Is(target error) bool { return target == ErrInvalidArgument }

func argErrorf(op, format string, args ...any) error {
	return &ArgError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// BatchUpdateError is returned by ExecuteBatch when an entry fails.
// Counts holds one update count per batch entry. Entries from Index on
// never completed and count 0.
type BatchUpdateError struct {
	Index  int     // zero-based index of the failing entry
	Counts []int64 // len(Counts) is the batch size
	Err    error
}

func (e *BatchUpdateError) Error() string {
	return "sqlite.ExecuteBatch: entry " + strconv.Itoa(e.Index) + " failed: " + e.Err.Error()
}

func (e *BatchUpdateError) Unwrap() error { return e.Err }

// Error is an error produced by SQLite.
type Error struct {
	Code  sqliteh.Code // SQLite extended error code (SQLITE_OK is an invalid value)
	Loc   string       // method name that generated the error
	Query string       // original SQL query text
	Msg   string       // value of sqlite3_errmsg
}

func (err *Error) Error() string {
	b := new(strings.Builder)
	b.WriteString("sqlite")
	if err.Loc != "" {
		b.WriteByte('.')
		b.WriteString(err.Loc)
	}
	b.WriteString(": ")
	b.WriteString(err.Code.String())
	if err.Msg != "" {
		b.WriteString(": ")
		b.WriteString(err.Msg)
	}
	if err.Query != "" {
		b.WriteString(" (")
		b.WriteString(err.Query)
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap lets errors.Is match the engine code, e.g.
// errors.Is(err, sqliteh.ErrCode(sqliteh.SQLITE_BUSY)).
func (err *Error) Unwrap() error { return sqliteh.ErrCode(err.Code) }

// reserr converts an engine error into an *Error carrying the
// connection's extended code and message. Errors that did not come from
// the engine are wrapped with loc and returned as is.
func reserr(db sqliteh.DB, loc, query string, err error) error {
	if err == nil {
		return nil
	}
	var ec sqliteh.ErrCode
	if !errors.As(err, &ec) {
		return fmt.Errorf("sqlite.%s: %w", loc, err)
	}
	e := &Error{
		Code:  sqliteh.Code(ec),
		Loc:   loc,
		Query: query,
	}
	if db != nil {
		if code := db.ExtendedErrCode(); code.Primary() == e.Code.Primary() {
			e.Code = code
		}
		e.Msg = db.ErrMsg()
	}
	return e
}
