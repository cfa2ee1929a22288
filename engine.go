package sqlite

import (
	"github.com/tailscale/sqlstmt/moderncsqlite"
	"github.com/tailscale/sqlstmt/sqliteh"
)

// openEngine opens the SQLite handle behind Open.
var openEngine = func(cfg Config) (sqliteh.DB, error) {
	db, err := moderncsqlite.OpenWithOptions(cfg.URI, sqliteh.OpenFlagsDefault, "", moderncsqlite.Options{
		BackupPagesPerStep: cfg.BackupPagesPerStep,
		BackupRetrySleep:   cfg.BackupRetrySleep,
	})
	if db == nil {
		return nil, err
	}
	return db, err
}
