package sqliteutil

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// OpenDB opens a sqlite (or remote libsql) database and applies the
// given schema, ignoring tables that exist already. `path` may be
// ":memory:", a filesystem path, or a libsql:// url.
func OpenDB(schema, path string) (*sql.DB, error) {
	var db *sql.DB
	var err error
	if strings.HasPrefix(path, "libsql://") {
		db, err = sql.Open("libsql", path)
	} else {
		db, err = sql.Open("sqlite", path)
	}
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	_, err = db.Exec(schema)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
