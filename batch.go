// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
)

// minBatchCap is the capacity of a batch queue on first use.
const minBatchCap = 10

// AddBatch queues sql for ExecuteBatch. It releases the handle and
// result set of the previous execution.
func (s *Stmt) AddBatch(sql string) error {
	if err := s.reset("AddBatch"); err != nil {
		return err
	}
	if len(s.batch) == cap(s.batch) {
		nb := make([]string, len(s.batch), max(minBatchCap, 2*cap(s.batch)))
		copy(nb, s.batch)
		s.batch = nb
	}
	s.batch = append(s.batch, sql)
	return nil
}

// ClearBatch empties the batch queue.
func (s *Stmt) ClearBatch() {
	clear(s.batch)
	s.batch = s.batch[:0]
}

// BatchLen reports the number of queued batch entries.
func (s *Stmt) BatchLen() int { return len(s.batch) }

// ExecuteBatch is ExecuteLargeBatch with counts truncated to int.
func (s *Stmt) ExecuteBatch(ctx context.Context) ([]int, error) {
	counts, err := s.ExecuteLargeBatch(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]int, len(counts))
	for i, n := range counts {
		res[i] = int(n)
	}
	return res, nil
}

// ExecuteLargeBatch runs the queued entries in order and returns the
// number of rows each one changed. Entries that produce rows report -1.
//
// The whole batch runs under one hold of the execution lock. It stops at
// the first failing entry and returns a *BatchUpdateError holding one
// count per entry, zero for the failing entry and those after it. The queue is empty afterward, whether
// or not the batch succeeded.
func (s *Stmt) ExecuteLargeBatch(ctx context.Context) ([]int64, error) {
	if err := s.reset("ExecuteBatch"); err != nil {
		return nil, err
	}
	if len(s.batch) == 0 {
		return []int64{}, nil
	}
	defer s.ClearBatch()

	c := s.conn
	return run(ctx, c, s.queryTimeout, func() ([]int64, error) {
		changes := make([]int64, len(s.batch))
		for i, sql := range s.batch {
			n, err := s.execBatchEntryLocked(ctx, sql)
			if err != nil {
				level.Warn(c.logger).Log("msg", "batch entry failed", "index", i, "query", sql, "err", err)
				return nil, &BatchUpdateError{Index: i, Counts: changes, Err: err}
			}
			changes[i] = n
		}
		return changes, nil
	})
}

// execBatchEntryLocked prepares and runs one batch entry, releasing the
// handle before returning.
func (s *Stmt) execBatchEntryLocked(ctx context.Context, sql string) (n int64, err error) {
	c := s.conn
	s.sql = sql
	start := time.Now()
	defer func() { c.trace(ctx, sql, start, err) }()
	defer s.releaseLocked()

	total := c.db.TotalChanges()
	if err := s.prepareLocked("ExecuteBatch"); err != nil {
		return 0, err
	}
	row, err := s.handle.Step()
	if err != nil {
		return 0, reserr(c.db, "ExecuteBatch", sql, err)
	}
	if row || s.handle.ColumnCount() != 0 {
		return -1, nil
	}
	return c.changesSince(total), nil
}
