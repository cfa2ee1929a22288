// Package sqlstats implements an SQLite Tracer that collects query stats.
package sqlstats

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/regexp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tailscale/sqlstmt/sqliteh"
)

const namespace = "sqlite_stmt"

var (
	queriesDesc = prometheus.NewDesc(
		namespace+"_queries_total",
		"Statements executed, by normalized query text.",
		[]string{"query"},
		nil,
	)
	errorsDesc = prometheus.NewDesc(
		namespace+"_query_errors_total",
		"Statements that failed, by normalized query text.",
		[]string{"query"},
		nil,
	)
	durationDesc = prometheus.NewDesc(
		namespace+"_query_duration_seconds_total",
		"Time spent executing statements, by normalized query text.",
		[]string{"query"},
		nil,
	)
)

// Tracer implements sqliteh.Tracer and collects query stats.
//
// To use, pass the tracer object to sqlite.Open, then start a debug
// web server with http.HandlerFunc(sqlTracer.Handle) or register
// sqlTracer.Metrics() with a Prometheus registry.
type Tracer struct {
	// Once a query has been seen once, only the read lock
	// is required to update stats.
	mu      sync.RWMutex
	queries map[string]*queryStats // normalized query -> stats
}

type queryStats struct {
	count    atomic.Int64
	errors   atomic.Int64
	duration atomic.Int64 // time.Duration
}

// QueryStats is a snapshot of the stats of one normalized query.
type QueryStats struct {
	Query        string
	Count        int64
	Errors       int64
	Duration     time.Duration
	MeanDuration time.Duration
}

// inListRE matches a parenthesized list of literal values after IN.
// Subqueries contain spaces between words and are left alone.
var inListRE = regexp.MustCompile(`(?i)\bIN\s*\(\s*(?:[^()\s,]+\s*,\s*)*[^()\s,]+\s*\)`)

// normalizeQuery collapses IN lists so that queries differing only
// in the number of list values share stats.
func normalizeQuery(q string) string {
	if !strings.Contains(strings.ToLower(q), "in") {
		return q
	}
	return inListRE.ReplaceAllLiteralString(q, "IN (...)")
}

func (t *Tracer) queryStats(query string) *queryStats {
	t.mu.RLock()
	stats := t.queries[query]
	t.mu.RUnlock()

	if stats != nil {
		return stats
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queries == nil {
		t.queries = make(map[string]*queryStats)
	}
	stats = t.queries[query]
	if stats == nil {
		stats = &queryStats{}
		t.queries[query] = stats
	}
	return stats
}

// Collect returns a snapshot of the stats of every query seen since
// the last Reset.
func (t *Tracer) Collect() (rows []*QueryStats) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for query, s := range t.queries {
		row := &QueryStats{
			Query:    query,
			Count:    s.count.Load(),
			Errors:   s.errors.Load(),
			Duration: time.Duration(s.duration.Load()),
		}
		if row.Count > 0 {
			row.MeanDuration = row.Duration / time.Duration(row.Count)
		}
		rows = append(rows, row)
	}
	return rows
}

// Reset drops all collected stats.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queries = nil
}

func (t *Tracer) Query(prepCtx context.Context, id sqliteh.TraceConnID, query string, duration time.Duration, err error) {
	stats := t.queryStats(normalizeQuery(query))

	stats.count.Add(1)
	stats.duration.Add(int64(duration))
	if err != nil {
		stats.errors.Add(1)
	}
}

// Metrics returns a Prometheus collector exporting the stats of t.
func (t *Tracer) Metrics() prometheus.Collector { return collector{t} }

type collector struct{ t *Tracer }

func (c collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- queriesDesc
	descs <- errorsDesc
	descs <- durationDesc
}

func (c collector) Collect(m chan<- prometheus.Metric) {
	for _, row := range c.t.Collect() {
		m <- prometheus.MustNewConstMetric(queriesDesc, prometheus.CounterValue, float64(row.Count), row.Query)
		m <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(row.Errors), row.Query)
		m <- prometheus.MustNewConstMetric(durationDesc, prometheus.CounterValue, row.Duration.Seconds(), row.Query)
	}
}

func (t *Tracer) Handle(w http.ResponseWriter, r *http.Request) {
	getArgs, _ := url.ParseQuery(r.URL.RawQuery)
	sortParam := strings.TrimSpace(getArgs.Get("sort"))
	rows := t.Collect()

	switch sortParam {
	case "", "count":
		sort.Slice(rows, func(i, j int) bool { return rows[i].Count > rows[j].Count })
	case "query":
		sort.Slice(rows, func(i, j int) bool { return rows[i].Query < rows[j].Query })
	case "duration":
		sort.Slice(rows, func(i, j int) bool { return rows[i].Duration > rows[j].Duration })
	case "errors":
		sort.Slice(rows, func(i, j int) bool { return rows[i].Errors > rows[j].Errors })
	case "mean":
		sort.Slice(rows, func(i, j int) bool { return rows[i].MeanDuration > rows[j].MeanDuration })
	default:
		http.Error(w, fmt.Sprintf("unknown sort: %q", sortParam), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(200)
	fmt.Fprintf(w, `<!DOCTYPE html><html><body>
	<p>Trace of SQLite statements run via the github.com/tailscale/sqlstmt driver.</p>
	<table border="1">
	<tr>
	<th><a href="?sort=query">Query</a></th>
	<th><a href="?sort=count">Count</a></th>
	<th><a href="?sort=duration">Duration</a></th>
	<th><a href="?sort=mean">Mean</a></th>
	<th><a href="?sort=errors">Errors</a></th>
	</tr>
	`)
	for _, row := range rows {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%d</td><td>%s</td><td>%s</td><td>%d</td></tr>\n",
			html.EscapeString(row.Query),
			row.Count,
			row.Duration.Round(time.Second),
			row.MeanDuration.Round(time.Millisecond),
			row.Errors,
		)
	}
	fmt.Fprintf(w, "</table></body></html>")
}

var _ sqliteh.Tracer = (*Tracer)(nil)
