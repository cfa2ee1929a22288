// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tailscale/sqlstmt/internal/enginetest"
)

func readAll(t *testing.T, rs *ResultSet) [][]any {
	t.Helper()
	var rows [][]any
	for {
		row := make([]any, len(rs.Columns()))
		err := rs.Next(row)
		if err == io.EOF {
			return rows
		}
		if err != nil {
			t.Fatal(err)
		}
		rows = append(rows, row)
	}
}

func TestResultSetDecoding(t *testing.T) {
	ctx := context.Background()
	c, db := newFakeConn(t, Config{})
	db.Script("SELECT * FROM events", enginetest.Result{
		Columns:   []string{"id", "at", "day", "ok", "data", "score", "note"},
		DeclTypes: []string{"INTEGER", "DATETIME", "date", "BOOLEAN", "BLOB", "REAL", "TEXT"},
		Rows: [][]any{
			{int64(1), "2021-03-04 05:06:07.890+0000", int64(1600000000), int64(1), []byte{1, 2}, 1.5, "a"},
			{int64(2), "2021-03-04 05:06", nil, int64(0), nil, nil, nil},
		},
	})
	s := newStmt(t, c)
	rs, err := s.ExecuteQuery(ctx, "SELECT * FROM events")
	if err != nil {
		t.Fatal(err)
	}
	got := readAll(t, rs)
	want := [][]any{
		{
			int64(1),
			time.Date(2021, 3, 4, 5, 6, 7, 890e6, time.FixedZone("", 0)),
			time.Unix(1600000000, 0),
			true,
			[]byte{1, 2},
			1.5,
			"a",
		},
		{int64(2), time.Date(2021, 3, 4, 5, 6, 0, 0, time.UTC), nil, false, nil, nil, nil},
	}
	opt := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	if diff := cmp.Diff(want, got, opt); diff != "" {
		t.Errorf("rows (-want +got):\n%s", diff)
	}
}

func TestResultSetBadTime(t *testing.T) {
	ctx := context.Background()
	c, db := newFakeConn(t, Config{})
	db.Script("SELECT at FROM bad", enginetest.Result{
		Columns:   []string{"at"},
		DeclTypes: []string{"DATETIME"},
		Rows:      [][]any{{"yesterday"}},
	})
	s := newStmt(t, c)
	rs, err := s.ExecuteQuery(ctx, "SELECT at FROM bad")
	if err != nil {
		t.Fatal(err)
	}
	if err := rs.Next(make([]any, 1)); err == nil {
		t.Fatal("Next parsed \"yesterday\" as a time")
	}
}

func TestResultSetMaxRows(t *testing.T) {
	ctx := context.Background()
	c, db := newFakeConn(t, Config{})
	db.Script("SELECT n FROM nums", enginetest.Result{
		Columns: []string{"n"},
		Rows:    [][]any{{int64(1)}, {int64(2)}, {int64(3)}, {int64(4)}},
	})
	s := newStmt(t, c)
	if err := s.SetMaxRows(2); err != nil {
		t.Fatal(err)
	}
	rs, err := s.ExecuteQuery(ctx, "SELECT n FROM nums")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := readAll(t, rs), [][]any{{int64(1)}, {int64(2)}}; !cmp.Equal(got, want) {
		t.Errorf("rows=%v, want %v", got, want)
	}
	if err := rs.Next(make([]any, 1)); err != io.EOF {
		t.Errorf("Next after limit err=%v, want io.EOF", err)
	}

	if err := s.SetMaxRows(0); err != nil {
		t.Fatal(err)
	}
	rs, err = s.ExecuteQuery(ctx, "SELECT n FROM nums")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(readAll(t, rs)); got != 4 {
		t.Errorf("rows=%d, want 4", got)
	}
}

func TestResultSetFetchSize(t *testing.T) {
	ctx := context.Background()
	c, _ := newFakeConn(t, Config{FetchSize: 3})
	s := newStmt(t, c)
	rs, err := s.ExecuteQuery(ctx, "SELECT 1")
	if err != nil {
		t.Fatal(err)
	}
	if got := rs.FetchSize(); got != 3 {
		t.Errorf("FetchSize=%d, want 3", got)
	}
	if err := rs.SetFetchSize(-1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetFetchSize(-1) err=%v", err)
	}
	if err := rs.SetFetchSize(50); err != nil {
		t.Fatal(err)
	}
	if got := rs.FetchSize(); got != 50 {
		t.Errorf("FetchSize=%d, want 50", got)
	}
	if got := s.FetchSize(); got != 3 {
		t.Errorf("Stmt.FetchSize=%d, want 3", got)
	}
	if rs.Stmt() != s {
		t.Error("ResultSet.Stmt() does not return its statement")
	}
}

func TestResultSetWrongDest(t *testing.T) {
	ctx := context.Background()
	c, _ := newFakeConn(t, Config{})
	s := newStmt(t, c)
	rs, err := s.ExecuteQuery(ctx, "SELECT 1")
	if err != nil {
		t.Fatal(err)
	}
	if err := rs.Next(make([]any, 2)); err == nil || err == io.EOF {
		t.Fatalf("Next with 2 destinations err=%v, want error", err)
	}
	// The pending row is still there.
	row := make([]any, 1)
	if err := rs.Next(row); err != nil {
		t.Fatal(err)
	}
	if row[0] != int64(1) {
		t.Errorf("row=%v, want [1]", row)
	}
}

func TestResultSetCloseOnCompletion(t *testing.T) {
	ctx := context.Background()
	c, db := newFakeConn(t, Config{})
	s := newStmt(t, c)
	s.SetCloseOnCompletion(true)
	if !s.IsCloseOnCompletion() {
		t.Fatal("IsCloseOnCompletion=false")
	}
	rs, err := s.ExecuteQuery(ctx, "SELECT 1")
	if err != nil {
		t.Fatal(err)
	}
	readAll(t, rs)
	if s.IsClosed() {
		t.Fatal("statement closed before its result set")
	}
	if err := rs.Close(); err != nil {
		t.Fatal(err)
	}
	if !s.IsClosed() {
		t.Error("statement still open after result set Close")
	}
	if got := db.OpenStmts(); got != 0 {
		t.Errorf("OpenStmts=%d, want 0", got)
	}
	if err := rs.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := rs.Next(make([]any, 1)); err != errRowsClosed {
		t.Errorf("Next after Close err=%v, want %v", err, errRowsClosed)
	}
}

func TestResultSetCloseKeepsHandle(t *testing.T) {
	ctx := context.Background()
	c, db := newFakeConn(t, Config{})
	db.Script("SELECT n FROM locked", enginetest.Result{
		Columns: []string{"n"},
		Rows:    [][]any{{int64(1)}},
	})
	s := newStmt(t, c)
	rs, err := s.ExecuteQuery(ctx, "SELECT n FROM locked")
	if err != nil {
		t.Fatal(err)
	}
	if err := rs.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateExhausted {
		t.Errorf("State=%v, want %v", s.State(), StateExhausted)
	}
	// The handle is kept until the next execution.
	if got := db.OpenStmts(); got != 1 {
		t.Errorf("OpenStmts=%d, want 1", got)
	}
	if _, err := s.Execute(ctx, "INSERT INTO t VALUES (1)"); err != nil {
		t.Fatal(err)
	}
	if got := db.OpenStmts(); got != 1 {
		t.Errorf("OpenStmts=%d, want 1", got)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2021-03-04 05:06:07.890-0700", time.Date(2021, 3, 4, 5, 6, 7, 890e6, time.FixedZone("", -7*3600))},
		{"2021-03-04 05:06:07.890", time.Date(2021, 3, 4, 5, 6, 7, 890e6, time.UTC)},
		{"2021-03-04 05:06:07", time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)},
		{"2021-03-04 05:06", time.Date(2021, 3, 4, 5, 6, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in)
		if err != nil {
			t.Errorf("parseTime(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTime(%q)=%v, want %v", tt.in, got, tt.want)
		}
	}
}
