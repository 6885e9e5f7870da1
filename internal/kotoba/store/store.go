// Package store provides SQLite access for Kotoba's state table.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoState is returned when a state row does not exist.
var ErrNoState = errors.New("store: state not found")

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

// State is one row of the states table.
type State struct {
	ID     string
	Common string // JSON-encoded schema
	Val    sql.NullString
	Ack    bool
	TS     int64 // milliseconds since epoch of the last write
	From   string
}

// New opens (or creates) the database at dbPath and runs pending migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// InsertState creates a state row. It returns created=false without
// touching the row when the id already exists and force is false; with
// force the schema and value are overwritten.
func (s *Store) InsertState(ctx context.Context, st State, force bool) (created bool, err error) {
	now := time.Now().UTC()
	q := `INSERT INTO states (id, common, val, ack, ts, from_id, created_at, updated_at)
	      VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if force {
		q += ` ON CONFLICT(id) DO UPDATE SET
			common     = excluded.common,
			val        = excluded.val,
			ack        = excluded.ack,
			ts         = excluded.ts,
			from_id    = excluded.from_id,
			updated_at = excluded.updated_at`
	} else {
		q += ` ON CONFLICT(id) DO NOTHING`
	}
	res, err := s.db.ExecContext(ctx, q,
		st.ID, st.Common, st.Val, st.Ack, st.TS, st.From, now, now)
	if err != nil {
		return false, fmt.Errorf("insert state %q: %w", st.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert state %q: rows affected: %w", st.ID, err)
	}
	return n > 0, nil
}

// GetState returns the row for id, or ErrNoState.
func (s *Store) GetState(ctx context.Context, id string) (*State, error) {
	var st State
	err := s.db.QueryRowContext(ctx,
		`SELECT id, common, val, ack, ts, from_id FROM states WHERE id = ?`, id,
	).Scan(&st.ID, &st.Common, &st.Val, &st.Ack, &st.TS, &st.From)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("get state %q: %w", id, err)
	}
	return &st, nil
}

// SetStateValue stores a new value, creating the row with an empty schema
// when it does not exist yet.
func (s *Store) SetStateValue(ctx context.Context, id, val string, ack bool, from string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO states (id, val, ack, ts, from_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			val        = excluded.val,
			ack        = excluded.ack,
			ts         = excluded.ts,
			from_id    = excluded.from_id,
			updated_at = excluded.updated_at
	`, id, val, ack, ts, from, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set state %q: %w", id, err)
	}
	return nil
}

// ListStateIDs returns all ids with the given prefix, sorted.
func (s *Store) ListStateIDs(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM states WHERE substr(id, 1, ?) = ? ORDER BY id`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list states scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list states rows: %w", err)
	}
	return ids, nil
}

// runMigrations applies every embedded migration newer than the recorded
// schema version.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[int]string, len(entries))
	for _, e := range entries {
		version, description, ok := parseMigrationName(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, e.Name())
		}
		seen[version] = e.Name()
		if version <= current {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}

		slog.Info("applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}
	return nil
}

// parseMigrationName splits "0001_states.sql" into (1, "states").
func parseMigrationName(name string) (int, string, bool) {
	if !strings.HasSuffix(name, ".sql") {
		return 0, "", false
	}
	parts := strings.SplitN(name, "_", 2)
	if len(parts) < 2 {
		return 0, "", false
	}
	var version int
	if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
		return 0, "", false
	}
	return version, strings.TrimSuffix(parts[1], ".sql"), true
}
