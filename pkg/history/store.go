// Package history persists the append-only log of applied update
// batches in SQLite so it survives process and host restarts. Entries are
// immutable once written and always retrieved grouped per install action.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/pkgpatrol/pkgpatrol/pkg/updates"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the durable history of applied update batches.
type Store struct {
	db   *sql.DB
	path string
}

// Config holds history store configuration.
type Config struct {
	// Path is the SQLite database file; ":memory:" is valid for tests.
	Path string
}

// NewStore creates a history store instance. Init must be called before use.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &Store{path: cfg.Path}, nil
}

// Init opens the database in WAL mode and runs migrations.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Append writes one batch and its packages atomically. Entries are
// immutable: a duplicate batch id is rejected.
func (s *Store) Append(ctx context.Context, entry updates.HistoryEntry) error {
	if entry.BatchID == "" {
		return fmt.Errorf("batch id is required")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, applied_at, success) VALUES (?, ?, ?)`,
		entry.BatchID, entry.AppliedAt.UTC().Format(time.RFC3339Nano), boolToInt(entry.Success),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	for i, p := range entry.Packages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_packages (batch_id, position, name, source, arch, version)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			entry.BatchID, i, p.Package.Name, p.Package.Source, p.Package.Arch, p.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch package: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

// List returns all batches newest first, each with its packages in the
// order they were applied. An empty store yields an empty slice.
func (s *Store) List(ctx context.Context) ([]updates.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, applied_at, success FROM batches ORDER BY applied_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	entries := []updates.HistoryEntry{}
	for rows.Next() {
		var (
			entry   updates.HistoryEntry
			applied string
			success int
		)
		if err := rows.Scan(&entry.BatchID, &applied, &success); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		entry.AppliedAt, err = time.Parse(time.RFC3339Nano, applied)
		if err != nil {
			return nil, fmt.Errorf("failed to parse batch timestamp: %w", err)
		}
		entry.Success = success != 0
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}

	for i := range entries {
		pkgs, err := s.batchPackages(ctx, entries[i].BatchID)
		if err != nil {
			return nil, err
		}
		entries[i].Packages = pkgs
	}

	return entries, nil
}

// Latest returns the most recent batch, or nil when the store is empty.
func (s *Store) Latest(ctx context.Context) (*updates.HistoryEntry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Prune deletes whole batches beyond the newest keep entries. Individual
// packages within a kept batch are never removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be non-negative")
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE id NOT IN (
			SELECT id FROM batches ORDER BY applied_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune batches: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) batchPackages(ctx context.Context, batchID string) ([]updates.AppliedPackage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, source, arch, version FROM batch_packages
		 WHERE batch_id = ? ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch packages: %w", err)
	}
	defer rows.Close()

	var pkgs []updates.AppliedPackage
	for rows.Next() {
		var p updates.AppliedPackage
		if err := rows.Scan(&p.Package.Name, &p.Package.Source, &p.Package.Arch, &p.Version); err != nil {
			return nil, fmt.Errorf("failed to scan batch package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch packages: %w", err)
	}

	return pkgs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
