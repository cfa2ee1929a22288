// Package extcmd recognizes the administrative commands that are handled
// by the driver instead of being sent to SQLite:
//
//	backup [db] to <file>
//	restore [db] from <file>
//
// Keywords are case-insensitive. Names may be bare words or wrapped in
// single or double quotes. When db is omitted it is "main".
package extcmd

import (
	"fmt"

	"github.com/grafana/regexp"
	"go4.org/mem"

	"github.com/tailscale/sqlstmt/sqliteh"
)

// Command is the result of parsing SQL text.
// It is one of Plain, *Backup or *Restore.
type Command interface {
	command()
}

// Plain is SQL text that is not an extension command.
type Plain string

// Backup copies database DB to the file Dest.
type Backup struct {
	DB   string
	Dest string
}

// Restore replaces database DB with the contents of the file Src.
type Restore struct {
	DB  string
	Src string
}

func (Plain) command()    {}
func (*Backup) command()  {}
func (*Restore) command() {}

func (b *Backup) String() string  { return fmt.Sprintf("backup %s to %s", b.DB, b.Dest) }
func (r *Restore) String() string { return fmt.Sprintf("restore %s from %s", r.DB, r.Src) }

// SyntaxError reports extension text that names a command but does not
// follow its grammar.
type SyntaxError struct {
	SQL    string
	Syntax string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("extcmd: syntax error in %q, expected: %s", e.SQL, e.Syntax)
}

const name = `("[^"]*"|'[^']*'|\S+)`

var (
	backupRE  = regexp.MustCompile(`(?is)^backup(?:\s+` + name + `)?\s+to\s+` + name + `$`)
	restoreRE = regexp.MustCompile(`(?is)^restore(?:\s+` + name + `)?\s+from\s+` + name + `$`)
)

const (
	backupSyntax  = "backup [database name] to <file name>"
	restoreSyntax = "restore [database name] from <file name>"
)

// Parse classifies sql. Text that does not begin with a command keyword
// is returned as Plain without further inspection.
func Parse(sql string) (Command, error) {
	if !IsCommand(sql) {
		return Plain(sql), nil
	}
	trimmed := mem.TrimSpace(mem.S(sql))
	switch {
	case hasKeyword(trimmed, "backup"):
		m := backupRE.FindStringSubmatch(trimmed.StringCopy())
		if m == nil {
			return nil, &SyntaxError{SQL: sql, Syntax: backupSyntax}
		}
		return &Backup{DB: dbName(m[1]), Dest: unquote(m[2])}, nil
	case hasKeyword(trimmed, "restore"):
		m := restoreRE.FindStringSubmatch(trimmed.StringCopy())
		if m == nil {
			return nil, &SyntaxError{SQL: sql, Syntax: restoreSyntax}
		}
		return &Restore{DB: dbName(m[1]), Src: unquote(m[2])}, nil
	}
	return Plain(sql), nil
}

// IsCommand reports whether sql starts with an extension command keyword.
// It does not allocate.
func IsCommand(sql string) bool {
	trimmed := mem.TrimSpace(mem.S(sql))
	return hasKeyword(trimmed, "backup") || hasKeyword(trimmed, "restore")
}

// hasKeyword reports whether s starts with kw followed by whitespace or
// the end of s.
func hasKeyword(s mem.RO, kw string) bool {
	if !mem.HasPrefixFold(s, mem.S(kw)) {
		return false
	}
	if s.Len() == len(kw) {
		return true
	}
	switch s.At(len(kw)) {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func dbName(s string) string {
	if s == "" {
		return "main"
	}
	return unquote(s)
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// Exec runs cmd against db. Progress, if non-nil, is passed to the
// engine backup. Plain commands are rejected: they belong to the
// regular execution path.
func Exec(db sqliteh.DB, cmd Command, progress sqliteh.BackupProgress) error {
	switch cmd := cmd.(type) {
	case *Backup:
		return db.Backup(cmd.DB, cmd.Dest, false, progress)
	case *Restore:
		return db.Backup(cmd.DB, cmd.Src, true, progress)
	default:
		return fmt.Errorf("extcmd: %T is not an extension command", cmd)
	}
}
