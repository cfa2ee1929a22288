// Package sqlitestats implements a transaction tracer for sqlitepool
// that reports the transactions currently open.
package sqlitestats

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tailscale/sqlstmt/sqliteh"
)

// Stats tracks and reports connection stats.
//
// Stats implements sqliteh.TxTracer and http.Handler.
type Stats struct {
	curTxs sync.Map // sqliteh.TraceConnID -> *txStats
}

func (s *Stats) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	txs := s.Active()
	sort.Slice(txs, func(i, j int) bool { return txs[i].Start.Before(txs[j].Start) })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(200)
	io.WriteString(w, "<html><head><title>sqlite active transactions</title></head><body><pre>\n")
	fmt.Fprintf(w, "sqlite active transactions (%d):", len(txs))
	now := time.Now()
	for _, tx := range txs {
		ro := ""
		if tx.ReadOnly {
			ro = "read-only"
		}
		fmt.Fprintf(w, "\n\t%s\t%v\t%s\t%s", html.EscapeString(tx.Name), now.Sub(tx.Start).Round(time.Millisecond), ro, html.EscapeString(tx.LastQuery))
	}
	io.WriteString(w, "\n</pre></body</html>")
}

// Tx describes an open transaction.
type Tx struct {
	Conn      sqliteh.TraceConnID
	Name      string
	Start     time.Time
	ReadOnly  bool
	LastQuery string
}

// Active returns the transactions currently open.
func (s *Stats) Active() (txs []Tx) {
	s.curTxs.Range(func(key, value any) bool {
		tx := value.(*txStats)
		tx.mu.Lock()
		txs = append(txs, Tx{
			Conn:      key.(sqliteh.TraceConnID),
			Name:      tx.name,
			Start:     tx.start,
			ReadOnly:  tx.readOnly,
			LastQuery: tx.lastQuery,
		})
		tx.mu.Unlock()
		return true
	})
	return txs
}

// Query records the last statement run by each open transaction.
func (s *Stats) Query(prepCtx context.Context, id sqliteh.TraceConnID, query string, duration time.Duration, err error) {
	v, ok := s.curTxs.Load(id)
	if !ok {
		return
	}
	tx := v.(*txStats)
	tx.mu.Lock()
	tx.lastQuery = query
	tx.mu.Unlock()
}

func (s *Stats) BeginTx(beginCtx context.Context, id sqliteh.TraceConnID, why string, readOnly bool, err error) {
	if err != nil {
		// Not actually in tx.
		return
	}

	curTx := &txStats{
		name:     why,
		start:    time.Now(),
		readOnly: readOnly,
	}
	s.curTxs.Store(id, curTx)
}

func (s *Stats) Commit(id sqliteh.TraceConnID, err error) {
	s.txEnd(id, "Commit")
}

func (s *Stats) Rollback(id sqliteh.TraceConnID, err error) {
	s.txEnd(id, "Rollback")
}

func (s *Stats) txEnd(id sqliteh.TraceConnID, op string) {
	if _, ok := s.curTxs.LoadAndDelete(id); !ok {
		panic(fmt.Sprintf("sqlitestats.%s: unknown TraceConnID: %v", op, id))
	}
}

type txStats struct {
	name     string
	start    time.Time
	readOnly bool

	mu        sync.Mutex
	lastQuery string // guarded by mu
}

var _ sqliteh.TxTracer = (*Stats)(nil)
