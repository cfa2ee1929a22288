// Command sqlstmt runs SQL statements against an SQLite database and
// prints their result sets or update counts.
//
// Statements are taken from the command line, one per argument, or
// read from stdin one per line. The backup and restore commands are
// accepted too:
//
//	sqlstmt -sqlite.uri file:app.db "backup to 'app-backup.db'"
//
// With -batch, every statement is queued and the queue runs as one
// batch, printing the rows changed by each entry.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/tailscale/sqlstmt"
	"github.com/tailscale/sqlstmt/sqlstats"
)

func main() {
	var (
		cfg         sqlite.Config
		configFile  string
		logLevel    string
		metricsAddr string
		batch       bool
	)
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configFile, "config.file", "", "YAML file to load the sqlite configuration from. Flags override it.")
	fs.StringVar(&logLevel, "log.level", "info", "Only log messages with the given severity or above. One of: [debug, info, warn, error]")
	fs.StringVar(&metricsAddr, "metrics.addr", "", "Address to serve /metrics and /debug/sqlstats on while statements run.")
	fs.BoolVar(&batch, "batch", false, "Run all statements as a single batch and print the rows changed by each.")
	cfg.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	logger, err := newLogger(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if configFile != "" {
		if err := loadConfig(configFile, &cfg); err != nil {
			level.Error(logger).Log("msg", "loading config", "file", configFile, "err", err)
			os.Exit(1)
		}
		// Flags given on the command line win over the file.
		fs.Parse(os.Args[1:])
	}

	tracer := &sqlstats.Tracer{}
	if metricsAddr != "" {
		prometheus.MustRegister(tracer.Metrics())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/sqlstats", tracer.Handle)
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				level.Error(logger).Log("msg", "metrics server", "err", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := sqlite.Open(cfg, tracer, logger)
	if err != nil {
		level.Error(logger).Log("msg", "opening database", "uri", cfg.URI, "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	var src io.Reader = os.Stdin
	if fs.NArg() > 0 {
		src = strings.NewReader(strings.Join(fs.Args(), "\n"))
	}
	runFn := run
	if batch {
		runFn = runBatch
	}
	if err := runFn(ctx, conn, src, os.Stdout); err != nil {
		level.Error(logger).Log("msg", "statement failed", "err", err)
		conn.Close()
		os.Exit(1)
	}
}

func newLogger(lvl string) (log.Logger, error) {
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unrecognized log level %q", lvl)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

func loadConfig(filename string, cfg *sqlite.Config) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(buf, cfg)
}

// run executes every non-empty line of src that is not a -- comment,
// stopping at the first failure.
func run(ctx context.Context, conn *sqlite.Conn, src io.Reader, out io.Writer) error {
	stmt, err := conn.CreateStatement()
	if err != nil {
		return err
	}
	defer stmt.Close()

	return statements(src, func(query string) error {
		isQuery, err := stmt.Execute(ctx, query)
		if err != nil {
			return err
		}
		if !isQuery {
			// Extension commands leave no update count.
			if n := stmt.LargeUpdateCount(); n >= 0 {
				fmt.Fprintf(out, "%d rows changed\n", n)
			} else {
				fmt.Fprintln(out, "ok")
			}
			return nil
		}
		rs, err := stmt.ResultSet()
		if err != nil {
			return err
		}
		return printRows(out, rs)
	})
}

// runBatch queues every statement of src and executes them as one
// batch. It prints a line per entry that completed, even when a later
// entry fails.
func runBatch(ctx context.Context, conn *sqlite.Conn, src io.Reader, out io.Writer) error {
	stmt, err := conn.CreateStatement()
	if err != nil {
		return err
	}
	defer stmt.Close()

	if err := statements(src, stmt.AddBatch); err != nil {
		return err
	}
	counts, err := stmt.ExecuteLargeBatch(ctx)
	ran := len(counts)
	var be *sqlite.BatchUpdateError
	if errors.As(err, &be) {
		counts, ran = be.Counts, be.Index
	}
	for i, n := range counts[:ran] {
		if n >= 0 {
			fmt.Fprintf(out, "%d: %d rows changed\n", i+1, n)
		} else {
			fmt.Fprintf(out, "%d: ok\n", i+1)
		}
	}
	return err
}

// statements calls fn with every non-empty line of src that is not a
// -- comment, stopping at the first error.
func statements(src io.Reader, fn func(query string) error) error {
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		query := strings.TrimSpace(scanner.Text())
		if query == "" || strings.HasPrefix(query, "--") {
			continue
		}
		if err := fn(query); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func printRows(out io.Writer, rs *sqlite.ResultSet) error {
	defer rs.Close()
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	cols := rs.Columns()
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	row := make([]any, len(cols))
	for {
		err := rs.Next(row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		for i, v := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			switch v := v.(type) {
			case nil:
				fmt.Fprint(w, "NULL")
			case []byte:
				fmt.Fprintf(w, "x'%x'", v)
			default:
				fmt.Fprint(w, v)
			}
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}
