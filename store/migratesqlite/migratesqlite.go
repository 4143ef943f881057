// Package migratesqlite adapts modernc.org/sqlite (a pure Go, cgo-free
// SQLite driver) to golang-migrate/migrate's database.Driver interface.
// golang-migrate ships a driver for mattn/go-sqlite3 but not for the
// modernc.org implementation this daemon uses to avoid a cgo dependency, so
// this package plays that role instead.
package migratesqlite

import (
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/golang-migrate/migrate/v4/database"
)

func init() {
	database.Register("modernc-sqlite", &Sqlite{})
}

const defaultMigrationsTable = "schema_migrations"

// Config selects the table golang-migrate uses to track applied versions.
type Config struct {
	MigrationsTable string
}

// Sqlite implements database.Driver on top of an already-open *sql.DB.
type Sqlite struct {
	db     *sql.DB
	mu     sync.Mutex
	config *Config
}

// WithInstance wraps an existing *sql.DB connection, ensuring the migration
// tracking table exists.
func WithInstance(db *sql.DB, config *Config) (database.Driver, error) {
	if config == nil {
		config = &Config{}
	}
	if config.MigrationsTable == "" {
		config.MigrationsTable = defaultMigrationsTable
	}

	s := &Sqlite{db: db, config: config}
	if err := s.ensureVersionTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sqlite) ensureVersionTable() error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version INTEGER NOT NULL PRIMARY KEY,
		dirty BOOLEAN NOT NULL
	)`, s.config.MigrationsTable)
	_, err := s.db.Exec(query)
	return err
}

// Open is required by database.Driver but unsupported here: this adapter is
// always constructed via WithInstance against a connection this daemon
// already manages, never by golang-migrate parsing a DSN of its own.
func (s *Sqlite) Open(url string) (database.Driver, error) {
	return nil, fmt.Errorf("migratesqlite: Open(url) unsupported, use WithInstance")
}

// Close is a no-op: the *sql.DB lifecycle is owned by the caller of
// WithInstance, not by golang-migrate.
func (s *Sqlite) Close() error {
	return nil
}

// Lock takes an in-process mutex. A single-file SQLite database is only ever
// migrated by the daemon process that owns it, so a cross-process advisory
// lock is unnecessary.
func (s *Sqlite) Lock() error {
	s.mu.Lock()
	return nil
}

func (s *Sqlite) Unlock() error {
	s.mu.Unlock()
	return nil
}

// Run executes one migration's SQL body inside a transaction.
func (s *Sqlite) Run(migration io.Reader) error {
	body, err := io.ReadAll(migration)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(string(body)); err != nil {
		tx.Rollback()
		return fmt.Errorf("migratesqlite: run migration: %w", err)
	}
	return tx.Commit()
}

// SetVersion records the applied migration version and dirty flag.
func (s *Sqlite) SetVersion(version int, dirty bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", s.config.MigrationsTable)); err != nil {
		tx.Rollback()
		return err
	}
	if version >= 0 {
		query := fmt.Sprintf("INSERT INTO %s (version, dirty) VALUES (?, ?)", s.config.MigrationsTable)
		if _, err := tx.Exec(query, version, dirty); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Version returns the currently applied migration version.
func (s *Sqlite) Version() (version int, dirty bool, err error) {
	query := fmt.Sprintf("SELECT version, dirty FROM %s LIMIT 1", s.config.MigrationsTable)
	row := s.db.QueryRow(query)
	err = row.Scan(&version, &dirty)
	if err == sql.ErrNoRows {
		return database.NilVersion, false, nil
	}
	return version, dirty, err
}

// Drop removes every table in the database, for tests that want a clean
// slate without reopening the connection.
func (s *Sqlite) Drop() error {
	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()

	for _, t := range tables {
		if _, err := s.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, t)); err != nil {
			return err
		}
	}
	return s.ensureVersionTable()
}
