package cache

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCache persists blobs in a single-file database so a terminal can
// restart offline with its last known state.
type SQLiteCache struct {
	db *sql.DB
}

func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		key text not null primary key,
		content text not null
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) Get(key string) ([]byte, bool, error) {
	var content string
	err := c.db.QueryRow(`SELECT content FROM blobs WHERE key = ?`, key).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(content), true, nil
}

func (c *SQLiteCache) Merge(key string, patch []byte) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRow(`SELECT content FROM blobs WHERE key = ?`, key).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	merged, err := MergeJSON([]byte(existing), patch)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO blobs (key, content) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET content = excluded.content
	`, key, string(merged)); err != nil {
		return err
	}
	return tx.Commit()
}
