package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/Napageneral/chms/internal/config"
)

const fileName = "chms.db"

//go:embed schema.sql
var schemaSQL string

// Init initializes the database and creates tables if needed
func Init() error {
	db, err := Open()
	if err != nil {
		return err
	}
	defer db.Close()
	return ApplySchema(db)
}

// Open opens a connection to the database
func Open() (*sql.DB, error) {
	path, err := GetPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(path)
}

// OpenPath opens the database at path with the modernc driver.
func OpenPath(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := Configure(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Configure applies connection pragmas. WAL allows concurrent readers while
// a writer is active; busy_timeout reduces SQLITE_BUSY under contention.
func Configure(db *sql.DB) error {
	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode = WAL", "enable WAL"},
		{"PRAGMA synchronous = NORMAL", "set synchronous"},
		{"PRAGMA busy_timeout = 5000", "set busy_timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// ApplySchema creates every table that does not exist yet.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// GetPath returns the path to the database file
func GetPath() (string, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, fileName), nil
}
