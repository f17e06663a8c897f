package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// State updates are serialized by the engine; a single connection
	// avoids SQLITE_BUSY contention between writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

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

// Load returns the current snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{
		Resources: make(map[string]*ResourceEntry),
	}

	err := s.db.QueryRowContext(ctx, `SELECT serial FROM state_meta WHERE id = 1`).
		Scan(&snapshot.Serial)
	if err != nil {
		return nil, fmt.Errorf("failed to read state serial: %w", err)
	}

	query := `
		SELECT address, resource_type, resource_name, args, attributes,
			   dependencies, creation_serial, created_at, updated_at
		FROM resources
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry := &ResourceEntry{}
		var args, attributes, dependencies string

		err := rows.Scan(
			&entry.Address,
			&entry.Type,
			&entry.Name,
			&args,
			&attributes,
			&dependencies,
			&entry.CreationSerial,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}

		if err := json.Unmarshal([]byte(args), &entry.Args); err != nil {
			return nil, fmt.Errorf("failed to decode args for %s: %w", entry.Address, err)
		}
		if err := json.Unmarshal([]byte(attributes), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes for %s: %w", entry.Address, err)
		}
		if err := json.Unmarshal([]byte(dependencies), &entry.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies for %s: %w", entry.Address, err)
		}

		snapshot.Resources[entry.Address] = entry
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return snapshot, nil
}

// Save replaces all recorded state with snapshot in one transaction,
// keeping the higher serial.
func (s *SQLiteStore) Save(ctx context.Context, snapshot *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM resources`); err != nil {
		return fmt.Errorf("failed to clear resources: %w", err)
	}

	insert := `
		INSERT INTO resources (
			address, resource_type, resource_name, args, attributes,
			dependencies, creation_serial, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, entry := range snapshot.Resources {
		args, err := json.Marshal(entry.Args)
		if err != nil {
			return fmt.Errorf("failed to encode args for %s: %w", entry.Address, err)
		}
		attributes, err := json.Marshal(entry.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes for %s: %w", entry.Address, err)
		}
		dependencies, err := json.Marshal(dependenciesOrEmpty(entry.Dependencies))
		if err != nil {
			return fmt.Errorf("failed to encode dependencies for %s: %w", entry.Address, err)
		}

		_, err = tx.ExecContext(ctx, insert,
			entry.Address,
			entry.Type,
			entry.Name,
			string(args),
			string(attributes),
			string(dependencies),
			entry.CreationSerial,
			entry.CreatedAt,
			entry.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert resource %s: %w", entry.Address, err)
		}
	}

	bump := `UPDATE state_meta SET serial = MAX(serial, ?) + 1 WHERE id = 1`
	if _, err := tx.ExecContext(ctx, bump, snapshot.Serial); err != nil {
		return fmt.Errorf("failed to bump state serial: %w", err)
	}

	return tx.Commit()
}

// UpsertResource records entry and increments the state serial in one
// transaction.
func (s *SQLiteStore) UpsertResource(ctx context.Context, entry *ResourceEntry) error {
	args, err := json.Marshal(entry.Args)
	if err != nil {
		return fmt.Errorf("failed to encode args for %s: %w", entry.Address, err)
	}
	attributes, err := json.Marshal(entry.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes for %s: %w", entry.Address, err)
	}
	dependencies, err := json.Marshal(dependenciesOrEmpty(entry.Dependencies))
	if err != nil {
		return fmt.Errorf("failed to encode dependencies for %s: %w", entry.Address, err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO resources (
			address, resource_type, resource_name, args, attributes,
			dependencies, creation_serial, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			args = excluded.args,
			attributes = excluded.attributes,
			dependencies = excluded.dependencies,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		entry.Address,
		entry.Type,
		entry.Name,
		string(args),
		string(attributes),
		string(dependencies),
		entry.CreationSerial,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource %s: %w", entry.Address, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE state_meta SET serial = serial + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to bump state serial: %w", err)
	}

	return tx.Commit()
}

// DeleteResource removes the entry at addr and increments the state serial.
func (s *SQLiteStore) DeleteResource(ctx context.Context, addr string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE address = ?`, addr)
	if err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", addr, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE state_meta SET serial = serial + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to bump state serial: %w", err)
	}

	return tx.Commit()
}

// Lock inserts the singleton lock row, failing fast when it already exists.
func (s *SQLiteStore) Lock(ctx context.Context) error {
	holder := fmt.Sprintf("pid=%d", os.Getpid())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (id, holder, acquired_at) VALUES (1, ?, ?)`,
		holder, time.Now().UTC())
	if err != nil {
		// A unique constraint violation means the lock row exists.
		var holder string
		var acquiredAt time.Time
		row := s.db.QueryRowContext(ctx, `SELECT holder, acquired_at FROM locks WHERE id = 1`)
		if scanErr := row.Scan(&holder, &acquiredAt); scanErr == nil {
			return fmt.Errorf("%w (held by %s since %s)", ErrLocked, holder, acquiredAt.Format(time.RFC3339))
		}
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}

	return nil
}

// Unlock removes the lock row.
func (s *SQLiteStore) Unlock(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to release state lock: %w", err)
	}
	return nil
}

// dependenciesOrEmpty keeps the stored JSON an array rather than null.
func dependenciesOrEmpty(deps []string) []string {
	if deps == nil {
		return []string{}
	}
	return deps
}
