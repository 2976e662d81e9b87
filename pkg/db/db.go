package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handles for easier swapping/testing. DB is the single
// writer; Reader is a separate pool for queries so reports never wait on the
// writer connection.
type Database struct {
	DB     *sql.DB
	Reader *sql.DB
}

const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path == ":memory:" {
		// Each in-memory connection is its own database; share one handle.
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		return &Database{DB: db, Reader: db}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?"+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	reader, err := sql.Open("sqlite", path+"?"+pragmas+"&_pragma=query_only(1)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db, Reader: reader}, nil
}

// Wrap uses an existing handle for both reads and writes.
func Wrap(db *sql.DB) *Database {
	return &Database{DB: db, Reader: db}
}

// Ping checks both handles.
func (d *Database) Ping() error {
	if d == nil || d.DB == nil {
		return errors.New("database is not initialized")
	}
	if err := d.DB.Ping(); err != nil {
		return fmt.Errorf("ping writer: %w", err)
	}
	if d.Reader != d.DB {
		if err := d.Reader.Ping(); err != nil {
			return fmt.Errorf("ping reader: %w", err)
		}
	}
	return nil
}

// Close releases the underlying DB handles.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	var rerr error
	if d.Reader != nil && d.Reader != d.DB {
		rerr = d.Reader.Close()
	}
	return errors.Join(d.DB.Close(), rerr)
}
