// Package store persists every resource kind (VMs, networks, volumes,
// consoles, snapshots, QoS profiles, benchmark runs, attestation reports,
// LoRa devices) in a single SQLite database, using a uniform
// id/name/spec/status/labels/annotations/created_at/updated_at/generation
// row shape per table (benchmark runs add results and receipt columns;
// attestation reports use their own column set) and Go generics to share the
// marshal/unmarshal and SQL plumbing across resource kinds.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/infrasim/vmctld/store/migratesqlite"
	"github.com/infrasim/vmctld/vmerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Table names, exported so callers building cross-cutting tooling (GC,
// drift detection) don't have to repeat string literals.
const (
	TableVms               = "vms"
	TableNetworks          = "networks"
	TableQosProfiles       = "qos_profiles"
	TableVolumes           = "volumes"
	TableConsoles          = "consoles"
	TableSnapshots         = "snapshots"
	TableBenchmarkRuns     = "benchmark_runs"
	TableAttestationReports = "attestation_reports"
	TableLoRaDevices       = "lora_devices"
)

// DB wraps a SQLite connection shared by every resource store in this
// package.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path in WAL mode
// and applies any pending migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	// SQLite only supports one writer at a time; a single shared connection
	// avoids SQLITE_BUSY errors under the daemon's modest concurrency.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("store: opened database", "path", path)
	return db, nil
}

// OpenMemory opens an in-memory database, for tests.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return vmerr.Wrap(vmerr.KindDatabase, err)
	}

	driver, err := migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	if err != nil {
		return vmerr.Wrap(vmerr.KindDatabase, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "modernc-sqlite", driver)
	if err != nil {
		return vmerr.Wrap(vmerr.KindDatabase, err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the underlying *sql.DB, used directly by the health-check
// handler's PingContext and available to any future subsystem that needs to
// manage its own tables against the same database file.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// KvSet upserts a key-value pair in the kv_store table, used to persist
// small pieces of daemon state that don't warrant their own resource table.
func (db *DB) KvSet(key, value string) error {
	_, err := db.conn.Exec(
		`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return nil
}

// KvGet reads a value by key, returning ("", false, nil) if absent.
func (db *DB) KvGet(key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return value, true, nil
}

// KvDelete removes a key. It is not an error if the key does not exist.
func (db *DB) KvDelete(key string) error {
	_, err := db.conn.Exec(`DELETE FROM kv_store WHERE key = ?`, key)
	if err != nil {
		return vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return nil
}
