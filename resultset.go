// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tailscale/sqlstmt/sqliteh"
)

var errRowsClosed = errors.New("sqlite rows result already closed")

// ResultSet iterates the rows of one execution.
//
// It is owned by its Stmt: executing the Stmt again, or closing it,
// closes the ResultSet.
type ResultSet struct {
	stmt      *Stmt
	closed    bool
	cols      []string
	pending   bool // the statement already stepped onto the first row
	done      bool
	rows      int64 // rows returned by Next
	maxRows   int64
	fetchSize int

	// Filled on first call to Next.
	colDeclTypes []colDeclType
}

// Stmt returns the statement that produced rs.
func (rs *ResultSet) Stmt() *Stmt { return rs.stmt }

// Columns returns the result column names.
func (rs *ResultSet) Columns() []string {
	return append([]string{}, rs.cols...)
}

// FetchSize reports the fetch size hint.
func (rs *ResultSet) FetchSize() int { return rs.fetchSize }

// SetFetchSize sets the fetch size hint. It must not be negative or
// exceed a non-zero max rows.
func (rs *ResultSet) SetFetchSize(rows int) error {
	if err := checkFetchSize("ResultSet.SetFetchSize", rows, rs.maxRows); err != nil {
		return err
	}
	rs.fetchSize = rows
	return nil
}

// Next reads the next row into dest, which must have one element per
// column. It returns io.EOF after the last row or once max rows rows
// were returned.
//
// Values are int64, float64, string, []byte or nil. Columns declared
// DATE or DATETIME produce time.Time, and BOOLEAN columns produce bool.
func (rs *ResultSet) Next(dest []any) error {
	s := rs.stmt
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if rs.closed {
		return errRowsClosed
	}
	if s.closed.Load() {
		UsesAfterClose.Add("ResultSet.Next", 1)
		return ErrClosed
	}
	if rs.done {
		return io.EOF
	}
	if len(dest) != len(rs.cols) {
		return fmt.Errorf("sqlite.ResultSet.Next: %d destinations for %d columns", len(dest), len(rs.cols))
	}
	if rs.maxRows != 0 && rs.rows >= rs.maxRows {
		rs.finishLocked()
		return io.EOF
	}
	if rs.pending {
		rs.pending = false
	} else {
		row, err := s.handle.Step()
		if err != nil {
			err = reserr(c.db, "ResultSet.Next", s.sql, err)
			rs.finishLocked()
			return err
		}
		if !row {
			rs.finishLocked()
			return io.EOF
		}
	}
	rs.rows++
	return rs.scanLocked(dest)
}

// finishLocked resets the statement so SQLite can release its locks
// while the result set stays open.
func (rs *ResultSet) finishLocked() {
	rs.done = true
	rs.pending = false
	if h := rs.stmt.handle; h != nil {
		h.Reset()
	}
}

// Close closes rs. The statement moves to StateExhausted. If the
// statement was set to close on completion, it is closed too.
func (rs *ResultSet) Close() error {
	s := rs.stmt
	if s.closed.Load() {
		// Closing the statement closed rs.
		UsesAfterClose.Add("ResultSet.Close", 1)
		return nil
	}
	s.conn.mu.Lock()
	if rs.closed {
		s.conn.mu.Unlock()
		return nil
	}
	rs.closeLocked()
	s.conn.mu.Unlock()
	if s.closeOnCompletion {
		return s.Close()
	}
	return nil
}

func (rs *ResultSet) closeLocked() {
	rs.finishLocked()
	rs.closed = true
	s := rs.stmt
	if s.rs == rs {
		s.rs = nil
		s.resultsWaiting = false
		s.updateCount = -1
		s.exhausted = true
	}
}

func (rs *ResultSet) scanLocked(dest []any) error {
	h := rs.stmt.handle
	if rs.colDeclTypes == nil {
		rs.colDeclTypes = make([]colDeclType, len(rs.cols))
		for i := range rs.colDeclTypes {
			rs.colDeclTypes[i] = colDeclTypeFromString(h.ColumnDeclType(i))
		}
	}
	for i := range dest {
		colType := h.ColumnType(i)
		if rs.colDeclTypes[i] == declTypeDateOrTime {
			switch colType {
			case sqliteh.SQLITE_INTEGER:
				dest[i] = time.Unix(h.ColumnInt64(i), 0)
			case sqliteh.SQLITE_FLOAT:
				dest[i] = h.ColumnDouble(i)
			case sqliteh.SQLITE_TEXT:
				t, err := parseTime(h.ColumnText(i))
				if err != nil {
					return fmt.Errorf("cannot parse time from column %d: %v", i, err)
				}
				dest[i] = t
			default:
				dest[i] = nil
			}
			continue
		}
		switch colType {
		case sqliteh.SQLITE_INTEGER:
			val := h.ColumnInt64(i)
			if rs.colDeclTypes[i] == declTypeBoolean {
				dest[i] = val > 0
			} else {
				dest[i] = val
			}
		case sqliteh.SQLITE_FLOAT:
			dest[i] = h.ColumnDouble(i)
		case sqliteh.SQLITE_TEXT:
			dest[i] = h.ColumnText(i)
		case sqliteh.SQLITE_BLOB:
			dest[i] = h.ColumnBlob(i)
		case sqliteh.SQLITE_NULL:
			dest[i] = nil
		}
	}
	return nil
}

// parseTime parses v as TimeFormat, or as its prefix when the
// zone, fractional seconds or seconds are left off.
func parseTime(v string) (time.Time, error) {
	format := TimeFormat
	for _, suffix := range []string{"-0700", ".000", ":05"} {
		if len(format) > len(v) {
			format = strings.TrimSuffix(format, suffix)
		}
	}
	return time.Parse(format, v)
}

// colDeclType is whether and how the declared SQLite column type should
// map to any special handling (as a date, or as a boolean, etc).
type colDeclType byte

const (
	declTypeUnknown colDeclType = iota
	declTypeDateOrTime
	declTypeBoolean
)

func colDeclTypeFromString(s string) colDeclType {
	if strings.EqualFold(s, "DATETIME") || strings.EqualFold(s, "DATE") {
		return declTypeDateOrTime
	}
	if strings.EqualFold(s, "BOOLEAN") {
		return declTypeBoolean
	}
	return declTypeUnknown
}
