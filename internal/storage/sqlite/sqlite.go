// Package sqlite provides the document-oriented persistent store:
// JSON blobs keyed by id, with session-scoped documents flushed on
// logout.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sessionPrefix marks documents that live only for one login session.
const sessionPrefix = "muc:session:"

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "palaver.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(updated_at)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Get loads the document with the given id into v. The first return
// reports whether the document exists.
func (d *DB) Get(id string, v interface{}) (bool, error) {
	var raw string
	err := d.db.QueryRow("SELECT value FROM documents WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("corrupt document %s: %w", id, err)
	}
	return true, nil
}

// Set stores v as the document with the given id, replacing any
// previous version.
func (d *DB) Set(id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}
	_, err = d.db.Exec(`
		INSERT OR REPLACE INTO documents (id, value, updated_at)
		VALUES (?, ?, ?)
	`, id, string(raw), time.Now().Unix())
	return err
}

// Destroy removes the document with the given id. Removing a missing
// document is not an error.
func (d *DB) Destroy(id string) error {
	_, err := d.db.Exec("DELETE FROM documents WHERE id = ?", id)
	return err
}

// Flush removes all session-scoped documents. Called on logout so the
// next login starts from recreated sessions.
func (d *DB) Flush() error {
	_, err := d.db.Exec("DELETE FROM documents WHERE id LIKE ?", sessionPrefix+"%")
	return err
}

// DeleteOldDocuments removes documents untouched for the given number
// of days.
func (d *DB) DeleteOldDocuments(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	result, err := d.db.Exec("DELETE FROM documents WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *DB) SetAppState(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO app_state (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

func (d *DB) GetAppState(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (d *DB) DeleteAppState(key string) error {
	_, err := d.db.Exec("DELETE FROM app_state WHERE key = ?", key)
	return err
}

func (d *DB) GetDatabaseSize() (int64, error) {
	var pageCount, pageSize int64
	err := d.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, err
	}
	err = d.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}
