package sql

import (
	"fmt"
	"strings"
)

// Dialect holds the statements that differ between the supported drivers.
type Dialect struct {
	Driver string
	Schema Schema
	// upsert builds an insert of n rows overwriting existing uids.
	upsert func(table string, n int) string
	// insertIgnore inserts one row unless the uid already exists.
	insertIgnore func(table string) string
	// Pragmas run on every new database handle.
	pragmas []string
	// maxConns bounds the pool; sqlite serializes writers anyway and
	// rejects concurrent write transactions with SQLITE_BUSY.
	maxConns int
}

func valuesList(n int) string {
	return strings.TrimSuffix(strings.Repeat("(?, ?), ", n), ", ")
}

var SQLite = Dialect{
	Driver: "sqlite3",
	Schema: Schema{
		1: `CREATE TABLE IF NOT EXISTS findex_entry (
			uid BLOB PRIMARY KEY,
			value BLOB NOT NULL
		)`,
		2: `CREATE TABLE IF NOT EXISTS findex_chain (
			uid BLOB PRIMARY KEY,
			value BLOB NOT NULL
		)`,
	},
	upsert: func(table string, n int) string {
		return fmt.Sprintf("INSERT INTO %s (uid, value) VALUES %s ON CONFLICT(uid) DO UPDATE SET value = excluded.value",
			table, valuesList(n))
	},
	insertIgnore: func(table string) string {
		return fmt.Sprintf("INSERT INTO %s (uid, value) VALUES (?, ?) ON CONFLICT(uid) DO NOTHING", table)
	},
	pragmas:  []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"},
	maxConns: 1,
}

var MySQL = Dialect{
	Driver: "mysql",
	Schema: Schema{
		1: `CREATE TABLE IF NOT EXISTS findex_entry (
			uid VARBINARY(32) NOT NULL PRIMARY KEY,
			value LONGBLOB NOT NULL
		)`,
		2: `CREATE TABLE IF NOT EXISTS findex_chain (
			uid VARBINARY(32) NOT NULL PRIMARY KEY,
			value LONGBLOB NOT NULL
		)`,
	},
	upsert: func(table string, n int) string {
		return fmt.Sprintf("INSERT INTO %s (uid, value) VALUES %s ON DUPLICATE KEY UPDATE value = VALUES(value)",
			table, valuesList(n))
	},
	insertIgnore: func(table string) string {
		return fmt.Sprintf("INSERT IGNORE INTO %s (uid, value) VALUES (?, ?)", table)
	},
}

// DialectFor returns the dialect of a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case SQLite.Driver:
		return SQLite, nil
	case MySQL.Driver:
		return MySQL, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql driver: %q", driver)
	}
}
