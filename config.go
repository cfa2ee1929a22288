// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"errors"
	"flag"
	"time"
)

// Config configures a connection opened with Open and the defaults of
// every statement it creates.
type Config struct {
	// URI is the SQLite database to open. A file: URI is recommended.
	URI string `yaml:"uri"`
	// BusyTimeout is the connection-wide busy timeout.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	// QueryTimeout is the initial query timeout of new statements.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// MaxRows is the initial row limit of new statements. Zero means no limit.
	MaxRows int64 `yaml:"max_rows"`
	// FetchSize is the initial fetch size hint of new statements.
	FetchSize int `yaml:"fetch_size"`
	// BackupPagesPerStep is the number of pages each step of a backup or
	// restore command copies.
	BackupPagesPerStep int `yaml:"backup_pages_per_step"`
	// BackupRetrySleep is how long a backup or restore waits when the
	// database is busy.
	BackupRetrySleep time.Duration `yaml:"backup_retry_sleep"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("sqlite.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URI, prefix+"uri", "file::memory:", "SQLite database URI to open.")
	f.DurationVar(&cfg.BusyTimeout, prefix+"busy-timeout", 3*time.Second, "How long the connection waits on a locked database before failing with SQLITE_BUSY.")
	f.DurationVar(&cfg.QueryTimeout, prefix+"query-timeout", 0, "Busy timeout applied while a statement executes. 0 keeps the connection's busy timeout.")
	f.Int64Var(&cfg.MaxRows, prefix+"max-rows", 0, "Maximum number of rows a result set returns. 0 means unlimited.")
	f.IntVar(&cfg.FetchSize, prefix+"fetch-size", 0, "Number of rows to fetch at once. Must not exceed max-rows when that is set.")
	f.IntVar(&cfg.BackupPagesPerStep, prefix+"backup-pages-per-step", 100, "Pages copied per step by the backup and restore commands.")
	f.DurationVar(&cfg.BackupRetrySleep, prefix+"backup-retry-sleep", 100*time.Millisecond, "Pause before retrying a backup step on a busy database.")
}

func (cfg *Config) Validate() error {
	if cfg.URI == "" {
		return errors.New("sqlite: uri must be set")
	}
	if cfg.BusyTimeout < 0 {
		return errors.New("sqlite: busy_timeout must be >= 0")
	}
	if cfg.QueryTimeout < 0 {
		return errors.New("sqlite: query_timeout must be >= 0")
	}
	if cfg.MaxRows < 0 {
		return errors.New("sqlite: max_rows must be >= 0")
	}
	if cfg.FetchSize < 0 || (cfg.MaxRows != 0 && int64(cfg.FetchSize) > cfg.MaxRows) {
		return errors.New("sqlite: fetch_size must be >= 0 and not exceed max_rows")
	}
	if cfg.BackupPagesPerStep < 0 {
		return errors.New("sqlite: backup_pages_per_step must be >= 0")
	}
	return nil
}
