package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"switchyard/pkg/logx"
)

// storeSchemaVersion is bumped whenever the schema below changes.
const storeSchemaVersion = 1

const storeSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS workspaces (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL UNIQUE,
	nickname TEXT NOT NULL DEFAULT '',
	path     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const activeKey = "active_workspace"

// SQLStore is a Registry persisted in SQLite.
type SQLStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// OpenSQLStore opens (creating if needed) the store at dbPath.
// Use ":memory:" for a throwaway store.
func OpenSQLStore(dbPath string) (*SQLStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace store: %w", err)
	}
	// SQLite only supports one writer; :memory: databases are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping workspace store: %w", err)
	}
	if err := initializeStoreSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize workspace store schema: %w", err)
	}

	return &SQLStore{db: db, logger: logx.NewLogger("workspace-store")}, nil
}

func initializeStoreSchema(db *sql.DB) error {
	if _, err := db.Exec(storeSchema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, storeSchemaVersion)
		return err
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > storeSchemaVersion:
		return fmt.Errorf("store schema version %d is newer than supported %d", version, storeSchemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close workspace store: %w", err)
	}
	return nil
}

// Put inserts or replaces a descriptor. A missing name is derived from the path.
func (s *SQLStore) Put(d Descriptor) error {
	if d.Path == "" {
		return fmt.Errorf("%w: %q", ErrEmptyPath, d.Name)
	}
	if d.Name == "" {
		d.Name = NameFromPath(d.Path)
	}
	_, err := s.db.Exec(`
		INSERT INTO workspaces (name, nickname, path) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET nickname = excluded.nickname, path = excluded.path`,
		d.Name, d.Nickname, d.Path)
	if err != nil {
		return fmt.Errorf("failed to store workspace %s: %w", d.Name, err)
	}
	return nil
}

// Get returns the descriptor for name or ErrUnknownWorkspace.
func (s *SQLStore) Get(name string) (Descriptor, error) {
	var d Descriptor
	err := s.db.QueryRow(`SELECT name, nickname, path FROM workspaces WHERE name = ?`, name).
		Scan(&d.Name, &d.Nickname, &d.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownWorkspace, name)
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to query workspace %s: %w", name, err)
	}
	return d, nil
}

// Lookup implements Registry. Query failures are logged and reported as not found.
func (s *SQLStore) Lookup(name string) (Descriptor, bool) {
	d, err := s.Get(name)
	if err != nil {
		if !errors.Is(err, ErrUnknownWorkspace) {
			s.logger.Error("Lookup %s failed: %v", name, err)
		}
		return Descriptor{}, false
	}
	return d, true
}

// Active implements Registry.
func (s *SQLStore) Active() (Descriptor, bool) {
	var name string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, activeKey).Scan(&name)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("Reading active workspace failed: %v", err)
		}
		return Descriptor{}, false
	}
	return s.Lookup(name)
}

// SetActive records name as the workspace active at startup.
func (s *SQLStore) SetActive(name string) error {
	if _, err := s.Get(name); err != nil {
		return err
	}
	err := RetryWithBackoff(context.Background(), busyRetries, func() error {
		_, err := s.db.Exec(`
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, activeKey, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set active workspace: %w", err)
	}
	return nil
}

// List returns every descriptor in insertion order.
func (s *SQLStore) List() ([]Descriptor, error) {
	rows, err := s.db.Query(`SELECT name, nickname, path FROM workspaces ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		if err := rows.Scan(&d.Name, &d.Nickname, &d.Path); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workspaces: %w", err)
	}
	return out, nil
}

// Import copies every catalog entry and its active marker into the store
// inside one transaction. It returns the number of entries written.
func (s *SQLStore) Import(c *Catalog) (int, error) {
	var count int
	err := RetryWithBackoff(context.Background(), busyRetries, func() error {
		var err error
		count, err = s.importOnce(c)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Imported %d workspaces", count)
	return count, nil
}

func (s *SQLStore) importOnce(c *Catalog) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO workspaces (name, nickname, path) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET nickname = excluded.nickname, path = excluded.path`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare import: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, d := range c.List() {
		if _, err := stmt.Exec(d.Name, d.Nickname, d.Path); err != nil {
			return 0, fmt.Errorf("failed to import workspace %s: %w", d.Name, err)
		}
		count++
	}
	if active, ok := c.Active(); ok {
		if _, err := tx.Exec(`
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, activeKey, active.Name); err != nil {
			return 0, fmt.Errorf("failed to import active workspace: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}
	return count, nil
}
