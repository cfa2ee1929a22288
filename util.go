package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// schemaEntry is one row of sqlite_schema.
type schemaEntry struct {
	name, sqlType, sqlText string
}

// readSchema lists the user-created objects of schemaName.
// Internal objects such as automatic indexes are skipped.
func readSchema(ctx context.Context, conn *Conn, schemaName string) (entries []schemaEntry, err error) {
	stmt, err := conn.CreateStatement()
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	rs, err := stmt.ExecuteQuery(ctx, fmt.Sprintf(
		`SELECT name, type, sql FROM %q.sqlite_schema WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite\_%%' ESCAPE '\'`,
		schemaName))
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	row := make([]any, 3)
	for {
		err := rs.Next(row)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		var e schemaEntry
		e.name, _ = row[0].(string)
		e.sqlType, _ = row[1].(string)
		e.sqlText, _ = row[2].(string)
		entries = append(entries, e)
	}
}

// DropAll deletes all the data from a database.
//
// The schemaName parameter follows the SQLite PRAMGA schema-name conventions:
// https://sqlite.org/pragma.html#syntax
func DropAll(ctx context.Context, conn *Conn, schemaName string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("sqlitedb.DropAll: %w", err)
		}
	}()

	if schemaName == "" {
		schemaName = "main"
	}

	entries, err := readSchema(ctx, conn, schemaName)
	if err != nil {
		return err
	}
	byType := make(map[string][]string)
	for _, e := range entries {
		switch e.sqlType {
		case "index", "table", "trigger", "view":
			byType[e.sqlType] = append(byType[e.sqlType], e.name)
		default:
			return fmt.Errorf("unknown sqlite schema type %q for %q", e.sqlType, e.name)
		}
	}

	stmt, err := conn.CreateStatement()
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sqlType := range []string{"index", "trigger", "view", "table"} {
		for _, name := range byType[sqlType] {
			query := fmt.Sprintf("DROP %s %q.%q", strings.ToUpper(sqlType), schemaName, name)
			if _, err := stmt.ExecuteLargeUpdate(ctx, query); err != nil {
				return err
			}
		}
	}
	return nil
}

// CopyAll copies the contents of one database to another.
//
// Traditionally this is done in sqlite by closing the database and copying
// the file. However it can be useful to do it online: a single exclusive
// transaction can cross multiple databases, and if multiple processes are
// using a file, this lets one replace the database without first
// communicating with the other processes, asking them to close the DB first.
//
// To copy a whole database file, the backup and restore extension
// commands are usually simpler.
//
// The dstSchemaName and srcSchemaName parameters follow the SQLite PRAMGA
// schema-name conventions: https://sqlite.org/pragma.html#syntax
func CopyAll(ctx context.Context, conn *Conn, dstSchemaName, srcSchemaName string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("sqlitedb.CopyAll: %w", err)
		}
	}()
	if dstSchemaName == "" {
		dstSchemaName = "main"
	}
	if srcSchemaName == "" {
		srcSchemaName = "main"
	}
	if dstSchemaName == srcSchemaName {
		return fmt.Errorf("source matches destination: %q", srcSchemaName)
	}

	entries, err := readSchema(ctx, conn, srcSchemaName)
	if err != nil {
		return err
	}
	stmt, err := conn.CreateStatement()
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		// Regardless of the case or whitespace used in the original
		// create statement (or whether or not "if not exists" is used),
		// the SQL text in the sqlite_schema table always reads:
		// 	"CREATE (TABLE|VIEW|INDEX|TRIGGER) name".
		// We take advantage of that here to rewrite the create
		// statement for a different schema.
		var prefix string
		switch e.sqlType {
		case "index", "table", "trigger", "view":
			prefix = "CREATE " + strings.ToUpper(e.sqlType) + " "
		default:
			return fmt.Errorf("unknown sqlite schema type %q for %q", e.sqlType, e.name)
		}
		sqlText := prefix + fmt.Sprintf("%q.", dstSchemaName) + strings.TrimPrefix(e.sqlText, prefix)
		if _, err := stmt.ExecuteLargeUpdate(ctx, sqlText); err != nil {
			return err
		}
		if e.sqlType == "table" {
			query := fmt.Sprintf("INSERT INTO %q.%q SELECT * FROM %q.%q;", dstSchemaName, e.name, srcSchemaName, e.name)
			if _, err := stmt.ExecuteLargeUpdate(ctx, query); err != nil {
				return err
			}
		}
	}
	return nil
}
