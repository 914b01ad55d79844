// Package store is the durable backing for all daemon state: per-tab
// coordination state, global settings, and the header response cache.
// The in-memory maps elsewhere are caches of this database; it is the
// sole source of truth across restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mhersche/chartassist/internal/config"
	_ "modernc.org/sqlite"
)

// migration is a numbered schema change. Migrations are applied in order
// and tracked in the schema_migrations table so each runs exactly once.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS tab_states (
    tab_id      INTEGER PRIMARY KEY,
    state       BLOB NOT NULL,
    updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS settings (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    data        BLOB NOT NULL,
    updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`,
	},
	{
		Version:     2,
		Description: "header response cache",
		SQL: `
CREATE TABLE IF NOT EXISTS response_cache (
    key              TEXT PRIMARY KEY,
    result           TEXT NOT NULL,
    context_summary  TEXT DEFAULT '',
    prompt_template  TEXT DEFAULT '',
    cached_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`,
	},
}

// Store wraps the SQLite database. One instance is shared by the manager
// and the orchestrator; *sql.DB is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database location under the user's
// local data directory.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "chartassist", "chartassist.db"), nil
}

// Open opens (or creates) the database at path, creating parent
// directories, enabling foreign keys and WAL mode, and running any
// pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// LoadTabStates returns the serialized state document for every known tab.
// Called once at startup before any event is served.
func (s *Store) LoadTabStates() (map[int][]byte, error) {
	rows, err := s.db.Query("SELECT tab_id, state FROM tab_states")
	if err != nil {
		return nil, fmt.Errorf("load tab states: %w", err)
	}
	defer rows.Close()

	out := map[int][]byte{}
	for rows.Next() {
		var tabID int
		var blob []byte
		if err := rows.Scan(&tabID, &blob); err != nil {
			return nil, err
		}
		raw, err := decodeBlob(blob)
		if err != nil {
			return nil, fmt.Errorf("decode state for tab %d: %w", tabID, err)
		}
		out[tabID] = raw
	}
	return out, rows.Err()
}

// SaveTabState writes through one tab's serialized state.
func (s *Store) SaveTabState(tabID int, state []byte) error {
	_, err := s.db.Exec(`INSERT INTO tab_states (tab_id, state, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tab_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		tabID, encodeBlob(state))
	if err != nil {
		return fmt.Errorf("save tab state %d: %w", tabID, err)
	}
	return nil
}

// DeleteTabState removes a closed tab's state.
func (s *Store) DeleteTabState(tabID int) error {
	_, err := s.db.Exec("DELETE FROM tab_states WHERE tab_id = ?", tabID)
	if err != nil {
		return fmt.Errorf("delete tab state %d: %w", tabID, err)
	}
	return nil
}

// LoadSettings reads the global settings document. A missing row yields
// zero-value settings (no API key configured).
func (s *Store) LoadSettings() (config.Settings, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT data FROM settings WHERE id = 1").Scan(&blob)
	if err == sql.ErrNoRows {
		return config.Settings{}, nil
	}
	if err != nil {
		return config.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	raw, err := decodeBlob(blob)
	if err != nil {
		return config.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	var out config.Settings
	if err := json.Unmarshal(raw, &out); err != nil {
		return config.Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return out, nil
}

// SaveSettings replaces the global settings document.
func (s *Store) SaveSettings(cfg config.Settings) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO settings (id, data, updated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		encodeBlob(raw))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// CachedResponse is one cached single-shot generation, keyed by content
// fingerprint. Staleness is a fingerprint mismatch, never an age check.
type CachedResponse struct {
	Key            string
	Result         string
	ContextSummary string
	PromptTemplate string
	CachedAt       time.Time
}

// GetCachedResponse returns the cached generation for key, or nil if absent.
func (s *Store) GetCachedResponse(key string) (*CachedResponse, error) {
	var out CachedResponse
	err := s.db.QueryRow(`SELECT key, result, context_summary, prompt_template, cached_at
		FROM response_cache WHERE key = ?`, key).
		Scan(&out.Key, &out.Result, &out.ContextSummary, &out.PromptTemplate, &out.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read response cache: %w", err)
	}
	return &out, nil
}

// PutCachedResponse stores (or replaces) a cached generation.
func (s *Store) PutCachedResponse(r CachedResponse) error {
	_, err := s.db.Exec(`INSERT INTO response_cache (key, result, context_summary, prompt_template, cached_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			result = excluded.result,
			context_summary = excluded.context_summary,
			prompt_template = excluded.prompt_template,
			cached_at = excluded.cached_at`,
		r.Key, r.Result, r.ContextSummary, r.PromptTemplate)
	if err != nil {
		return fmt.Errorf("write response cache: %w", err)
	}
	return nil
}
