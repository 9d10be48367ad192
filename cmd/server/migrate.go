package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	dbstore "github.com/veritylab/raterhub/internal/db"
)

// openDatabase opens (creating if needed) the sqlite file and brings the
// schema up to date before anything else touches it.
func openDatabase(sqlitePath, migrationsDir string) (*sql.DB, error) {
	if sqlitePath == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(sqlitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(sqlitePath))
	sqliteDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := dbstore.RunMigrations(sqliteDB, migrationsDir); err != nil {
		_ = sqliteDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqliteDB, nil
}
