// Package sqlitestore is the embedded registry.Registry backed by a local
// SQLite database file.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ registry.Registry = (*Store)(nil)

// Store keeps each instance as a JSON document keyed by instance id, with
// the external id and expiry promoted to indexed columns.
type Store struct {
	db *sql.DB

	// mu serialises read-modify-write sequences within this process.
	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer. One shared connection lets database/sql queue
	// callers instead of having them contend for the write lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Register(ctx context.Context, inst *instance.Instance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.InstanceID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO instances (instance_id, external_id, expires_at, instance_data) VALUES (?, ?, ?, ?)",
		inst.InstanceID, inst.ExternalID, inst.ExpiresAt, string(doc),
	)
	if isConstraint(err) {
		return fmt.Errorf("register %s: %w", inst.InstanceID, instance.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("register %s: %w", inst.InstanceID, err)
	}
	return nil
}

func (s *Store) Unregister(ctx context.Context, instanceID string) (*instance.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unregister: %w", err)
	}
	defer tx.Rollback()

	inst, err := scanOne(tx.QueryRowContext(ctx,
		"SELECT instance_data FROM instances WHERE instance_id = ?", instanceID))
	if errors.Is(err, instance.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM instances WHERE instance_id = ?", instanceID); err != nil {
		return nil, fmt.Errorf("delete %s: %w", instanceID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit unregister %s: %w", instanceID, err)
	}
	return inst, nil
}

func (s *Store) Get(ctx context.Context, instanceID string) (*instance.Instance, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		"SELECT instance_data FROM instances WHERE instance_id = ?", instanceID))
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*instance.Instance, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		"SELECT instance_data FROM instances WHERE external_id = ?", externalID))
}

func (s *Store) GetExpired(ctx context.Context, now time.Time) ([]*instance.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT instance_data FROM instances WHERE expires_at <= ? ORDER BY expires_at", now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	return scanAll(rows)
}

func (s *Store) UpdateMetadata(ctx context.Context, instanceID string, patch map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata update: %w", err)
	}
	defer tx.Rollback()

	inst, err := scanOne(tx.QueryRowContext(ctx,
		"SELECT instance_data FROM instances WHERE instance_id = ?", instanceID))
	if err != nil {
		return err
	}
	if inst.Metadata == nil {
		inst.Metadata = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		inst.Metadata[k] = v
	}

	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", instanceID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE instances SET instance_data = ? WHERE instance_id = ?", string(doc), instanceID); err != nil {
		return fmt.Errorf("update metadata %s: %w", instanceID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*instance.Instance, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT instance_data FROM instances ORDER BY instance_id")
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return scanAll(rows)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances").Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

func scanOne(row *sql.Row) (*instance.Instance, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, instance.ErrNotFound
		}
		return nil, fmt.Errorf("read instance: %w", err)
	}
	return decode(doc)
}

func scanAll(rows *sql.Rows) ([]*instance.Instance, error) {
	defer rows.Close()

	var out []*instance.Instance
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func decode(doc string) (*instance.Instance, error) {
	var inst instance.Instance
	if err := json.Unmarshal([]byte(doc), &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	if inst.Metadata == nil {
		inst.Metadata = map[string]string{}
	}
	return &inst, nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// runMigrations applies every embedded migration newer than the recorded
// schema version, one transaction per file.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now().UTC(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}

		slog.Info("applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}
	return nil
}
