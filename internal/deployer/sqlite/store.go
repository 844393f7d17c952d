// Package sqlite persists application records in a node-local database.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"drover"

	"drover/internal/deployer"
)

var _ deployer.Records = (*Store)(nil)

// Store keeps one row per deployed application: the full definition as
// JSON, keyed by application name.
type Store struct {
	db *sql.DB
}

// Open creates the database and schema if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open application db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set application db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set application db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS applications (
	name TEXT PRIMARY KEY,
	definition_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize applications schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveApplication(app drover.Application) error {
	payload, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal application %q: %w", app.Name, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO applications (name, definition_json, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		 definition_json = excluded.definition_json,
		 updated_at = excluded.updated_at`,
		app.Name,
		string(payload),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save application %q: %w", app.Name, err)
	}
	return nil
}

func (s *Store) DeleteApplication(name string) error {
	if _, err := s.db.Exec(`DELETE FROM applications WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete application %q: %w", name, err)
	}
	return nil
}

func (s *Store) ListApplications() ([]drover.Application, error) {
	rows, err := s.db.Query(`SELECT name, definition_json FROM applications ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	out := make([]drover.Application, 0)
	for rows.Next() {
		var name, definition string
		if err := rows.Scan(&name, &definition); err != nil {
			return nil, fmt.Errorf("scan application row: %w", err)
		}
		var app drover.Application
		if err := json.Unmarshal([]byte(definition), &app); err != nil {
			return nil, fmt.Errorf("unmarshal application %q: %w", name, err)
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate application rows: %w", err)
	}
	return out, nil
}
