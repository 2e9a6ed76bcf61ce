package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"sync"
	"time"
)

// ErrNoDownMigration is returned by Rollback when the latest applied
// migration has no .down.sql file.
var ErrNoDownMigration = errors.New("database: migration has no down file")

// migrationFile matches 20261001_120000_devices.up.sql.
var migrationFile = regexp.MustCompile(`^(\d{8}_\d{6})_([a-z0-9_]+)\.(up|down)\.sql$`)

var (
	schemaMu sync.RWMutex
	schemaFS fs.FS
)

// RegisterMigrations sets the filesystem the schema is read from. The
// migrations package calls it from init with its embedded SQL files.
func RegisterMigrations(fsys fs.FS) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	schemaFS = fsys
}

func registeredMigrations() fs.FS {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	return schemaFS
}

// Migration is one schema step, read from a pair of SQL files sharing a
// version prefix.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// AppliedMigration is a row of the schema_version table.
type AppliedMigration struct {
	Version   string
	AppliedAt time.Time
}

// SchemaStatus lists applied and pending migrations, oldest first.
type SchemaStatus struct {
	Applied []AppliedMigration
	Pending []Migration
}

// Current returns the latest applied version, or "" on an empty schema.
func (s SchemaStatus) Current() string {
	if len(s.Applied) == 0 {
		return ""
	}
	return s.Applied[len(s.Applied)-1].Version
}

// LoadMigrations reads every migration in the root of fsys, ordered by
// version. Files that do not follow the naming pattern are ignored; a
// down file without its up file is an error.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		m := migrationFile.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		version, name, direction := m[1], m[2], m[3]

		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if direction == "up" {
			mig.Up = string(body)
		} else {
			mig.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s (%s) has no up file", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies every registered migration not yet recorded in
// schema_version. Each migration commits on its own, so a failure leaves
// earlier migrations applied and a rerun resumes at the failed one.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.migrate(ctx, registeredMigrations())
	return err
}

// migrate applies the pending migrations in fsys and returns how many ran.
func (db *DB) migrate(ctx context.Context, fsys fs.FS) (int, error) {
	status, err := db.status(ctx, fsys)
	if err != nil {
		return 0, err
	}
	for i, m := range status.Pending {
		if err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Name, time.Now().UTC().Format(time.RFC3339),
			)
			return err
		}); err != nil {
			return i, fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return len(status.Pending), nil
}

// Rollback reverts the latest applied migration and returns its version.
// It returns "" when nothing is applied.
func (db *DB) Rollback(ctx context.Context) (string, error) {
	return db.rollback(ctx, registeredMigrations())
}

func (db *DB) rollback(ctx context.Context, fsys fs.FS) (string, error) {
	status, err := db.status(ctx, fsys)
	if err != nil {
		return "", err
	}
	version := status.Current()
	if version == "" {
		return "", nil
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return "", err
	}
	var down string
	for _, m := range migrations {
		if m.Version == version {
			down = m.Down
		}
	}
	if down == "" {
		return "", fmt.Errorf("%w: %s", ErrNoDownMigration, version)
	}

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", version)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("rolling back migration %s: %w", version, err)
	}
	return version, nil
}

// Status compares the registered migrations with the schema_version table.
func (db *DB) Status(ctx context.Context) (SchemaStatus, error) {
	return db.status(ctx, registeredMigrations())
}

func (db *DB) status(ctx context.Context, fsys fs.FS) (SchemaStatus, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		) STRICT`); err != nil {
		return SchemaStatus{}, fmt.Errorf("creating schema_version table: %w", err)
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return SchemaStatus{}, err
	}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_version ORDER BY version")
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("querying schema_version: %w", err)
	}
	defer rows.Close()

	var status SchemaStatus
	applied := make(map[string]bool)
	for rows.Next() {
		var a AppliedMigration
		var at string
		if err := rows.Scan(&a.Version, &at); err != nil {
			return SchemaStatus{}, fmt.Errorf("scanning schema_version: %w", err)
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // Written by migrate
		status.Applied = append(status.Applied, a)
		applied[a.Version] = true
	}
	if err := rows.Err(); err != nil {
		return SchemaStatus{}, fmt.Errorf("iterating schema_version: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
