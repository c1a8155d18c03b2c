// Package properties persists the name/value properties attached to
// containers.
package properties

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps properties in a SQLite database, keyed by container
// handle.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path and ensures the
// schema exists. Use ":memory:" for a throwaway store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open property store %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL on %s: %w", path, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS container_properties (
		handle     TEXT NOT NULL,
		name       TEXT NOT NULL,
		value      TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (handle, name)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create property schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetProperties upserts properties for handle in a single transaction.
func (s *SQLiteStore) SetProperties(ctx context.Context, handle string, properties map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin property update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO container_properties (handle, name, value, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(handle, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare property update: %w", err)
	}
	defer stmt.Close()

	for name, value := range properties {
		if _, err := stmt.ExecContext(ctx, handle, name, value); err != nil {
			return fmt.Errorf("set property %s of %s: %w", name, handle, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit properties of %s: %w", handle, err)
	}
	return nil
}

// GetProperties returns every property stored for handle. An unknown handle
// yields an empty map.
func (s *SQLiteStore) GetProperties(ctx context.Context, handle string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM container_properties WHERE handle = ?`, handle)
	if err != nil {
		return nil, fmt.Errorf("query properties of %s: %w", handle, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan property of %s: %w", handle, err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// RemoveProperties deletes every property of handle.
func (s *SQLiteStore) RemoveProperties(ctx context.Context, handle string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM container_properties WHERE handle = ?`, handle); err != nil {
		return fmt.Errorf("remove properties of %s: %w", handle, err)
	}
	return nil
}

// Handles lists every handle with stored properties.
func (s *SQLiteStore) Handles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT handle FROM container_properties ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("query property handles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var handle string
		if err := rows.Scan(&handle); err != nil {
			return nil, err
		}
		out = append(out, handle)
	}
	return out, rows.Err()
}
