package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tailscale/sqlstmt"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	conn, err := sqlite.Open(sqlite.Config{URI: "file:" + filepath.Join(dir, "test.db")}, nil, nil)
	require.NoError(t, err)
	defer conn.Close()

	backup := filepath.Join(dir, "backup.db")
	script := strings.Join([]string{
		"-- schema",
		"CREATE TABLE t (id INTEGER, name TEXT, data BLOB);",
		"INSERT INTO t VALUES (1, 'a', x'0102'), (2, NULL, NULL);",
		"",
		"SELECT id, name, data FROM t ORDER BY id;",
		"backup to '" + backup + "'",
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), conn, strings.NewReader(script), &out))

	want := "" +
		"0 rows changed\n" +
		"2 rows changed\n" +
		"id name data\n" +
		"1  a    x'0102'\n" +
		"2  NULL NULL\n" +
		"ok\n"
	require.Equal(t, want, out.String())

	_, err = os.Stat(backup)
	require.NoError(t, err)
}

func TestRunStopsOnError(t *testing.T) {
	conn, err := sqlite.Open(sqlite.Config{URI: "file:" + filepath.Join(t.TempDir(), "test.db")}, nil, nil)
	require.NoError(t, err)
	defer conn.Close()

	var out bytes.Buffer
	err = run(context.Background(), conn, strings.NewReader("CREATE TABLE t (c);\nSELECT nope FROM t;\nCREATE TABLE u (c);"), &out)
	require.ErrorContains(t, err, "no such column: nope")
	require.Equal(t, "0 rows changed\n", out.String())
}

func TestRunBatch(t *testing.T) {
	conn, err := sqlite.Open(sqlite.Config{URI: "file:" + filepath.Join(t.TempDir(), "test.db")}, nil, nil)
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	script := strings.Join([]string{
		"CREATE TABLE t (c);",
		"-- rows",
		"INSERT INTO t VALUES (1), (2);",
		"SELECT c FROM t;",
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, runBatch(ctx, conn, strings.NewReader(script), &out))
	require.Equal(t, "1: 0 rows changed\n2: 2 rows changed\n3: ok\n", out.String())

	out.Reset()
	script = "INSERT INTO t VALUES (3);\nINSERT INTO nope VALUES (1);\nINSERT INTO t VALUES (4);"
	err = runBatch(ctx, conn, strings.NewReader(script), &out)
	var be *sqlite.BatchUpdateError
	require.ErrorAs(t, err, &be)
	require.Equal(t, 1, be.Index)
	require.Equal(t, []int64{1, 0, 0}, be.Counts)
	require.Equal(t, "1: 1 rows changed\n", out.String())
}

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("uri: file:app.db\nmax_rows: 5\n"), 0o600))
	var cfg sqlite.Config
	require.NoError(t, loadConfig(file, &cfg))
	require.Equal(t, "file:app.db", cfg.URI)
	require.EqualValues(t, 5, cfg.MaxRows)

	require.NoError(t, os.WriteFile(file, []byte("nope: 1\n"), 0o600))
	require.Error(t, loadConfig(file, &cfg))
}

func TestNewLogger(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		_, err := newLogger(lvl)
		require.NoError(t, err, lvl)
	}
	_, err := newLogger("loud")
	require.Error(t, err)
}
