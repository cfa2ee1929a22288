// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestConfigFlags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-sqlite.uri", "file:test.db",
		"-sqlite.query-timeout", "5s",
		"-sqlite.max-rows", "100",
	}))
	require.Equal(t, Config{
		URI:                "file:test.db",
		BusyTimeout:        3 * time.Second,
		QueryTimeout:       5 * time.Second,
		MaxRows:            100,
		BackupPagesPerStep: 100,
		BackupRetrySleep:   100 * time.Millisecond,
	}, cfg)
	require.NoError(t, cfg.Validate())
}

func TestConfigYAML(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.UnmarshalStrict([]byte(`
uri: file:app.db?mode=ro
busy_timeout: 1s
max_rows: 10
fetch_size: 10
`), &cfg))
	require.Equal(t, "file:app.db?mode=ro", cfg.URI)
	require.Equal(t, time.Second, cfg.BusyTimeout)
	require.EqualValues(t, 10, cfg.MaxRows)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"no uri", Config{}},
		{"negative busy timeout", Config{URI: "x", BusyTimeout: -1}},
		{"negative query timeout", Config{URI: "x", QueryTimeout: -1}},
		{"negative max rows", Config{URI: "x", MaxRows: -1}},
		{"fetch size above max rows", Config{URI: "x", MaxRows: 1, FetchSize: 2}},
		{"negative pages per step", Config{URI: "x", BackupPagesPerStep: -1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.cfg.Validate())
		})
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	_, err := Open(Config{URI: "file::memory:", MaxRows: -1}, nil, nil)
	require.Error(t, err)
}
