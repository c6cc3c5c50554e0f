package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/wippyai/fibers/errors"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - builds, call_sites, suspendables
const currentSchemaVersion = 1

// Store is an SQLite-backed record of instrumentation builds.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. Pragmas and schema are
// applied on every open.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.IO(errors.PhaseStore, err, "open "+path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.IO(errors.PhaseStore, err, "connect "+path)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, errors.IO(errors.PhaseStore, err, "apply pragmas")
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, errors.IO(errors.PhaseStore, err, "apply schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Mode tells how a build was instrumented.
type Mode string

const (
	ModeAOT      Mode = "aot"
	ModeLoadTime Mode = "load-time"
)

// Build identifies one recorded instrumentation run.
type Build struct {
	Created time.Time
	Mode    Mode
	Context string
	ID      uuid.UUID
}

// BeginBuild records a new build.
func (s *Store) BeginBuild(ctx context.Context, mode Mode, contextName string) (Build, error) {
	b := Build{
		ID:      uuid.New(),
		Created: time.Now().UTC().Truncate(time.Millisecond),
		Mode:    mode,
		Context: contextName,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO builds (id, created_at, mode, context) VALUES (?, ?, ?, ?)",
		b.ID.String(), b.Created.UnixMilli(), string(b.Mode), b.Context)
	if err != nil {
		return Build{}, errors.IO(errors.PhaseStore, err, "insert build")
	}
	return b, nil
}

// Builds lists every build, oldest first.
func (s *Store) Builds(ctx context.Context) ([]Build, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, created_at, mode, context FROM builds ORDER BY created_at, id")
	if err != nil {
		return nil, errors.IO(errors.PhaseStore, err, "query builds")
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		var (
			id      string
			created int64
			b       Build
		)
		if err := rows.Scan(&id, &created, &b.Mode, &b.Context); err != nil {
			return nil, errors.IO(errors.PhaseStore, err, "scan build")
		}
		if b.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.InvalidData(errors.PhaseStore, fmt.Sprintf("build id %q: %v", id, err))
		}
		b.Created = time.UnixMilli(created).UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.IO(errors.PhaseStore, err, "iterate builds")
	}
	return out, nil
}
