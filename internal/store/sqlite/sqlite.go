// Package sqlite implements store.Store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"deployplane/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	tbl     TEXT NOT NULL,
	id      TEXT NOT NULL,
	doc     TEXT NOT NULL,
	UNIQUE (tbl, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_tbl ON documents(tbl);
`

// Store keeps every table in one documents table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, table, id string) (store.Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM documents WHERE tbl = ? AND id = ?`, table, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, table string, doc store.Document) (store.Document, error) {
	prepared, err := store.Prepare(doc, true)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(prepared)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (tbl, id, doc) VALUES (?, ?, ?)`,
		table, prepared.ID(), string(raw),
	); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	return prepared, nil
}

// Update implements store.Store. Missing documents are inserted and the
// original created timestamp is preserved.
func (s *Store) Update(ctx context.Context, table string, doc store.Document) (store.Document, error) {
	prepared, err := store.Prepare(doc, false)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM documents WHERE tbl = ? AND id = ?`, table, prepared.ID()).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		old, err := decode(existing)
		if err != nil {
			return nil, err
		}
		if created, ok := old["created"]; ok {
			prepared["created"] = created
		}
	}

	raw, err := json.Marshal(prepared)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (tbl, id, doc) VALUES (?, ?, ?)
		ON CONFLICT (tbl, id) DO UPDATE SET doc = excluded.doc
	`, table, prepared.ID(), string(raw)); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prepared, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE tbl = ? AND id = ?`, table, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Find implements store.Store. Filtering happens in Go over the table's
// documents in insertion order.
func (s *Store) Find(ctx context.Context, table string, q store.Query, mods ...store.Modifier) ([]store.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM documents WHERE tbl = ? ORDER BY seq ASC`, table)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", table, err)
	}
	defer rows.Close()

	var all []store.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, err
		}
		all = append(all, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return store.Apply(all, q, store.BuildModifiers(mods...))
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func decode(raw string) (store.Document, error) {
	var doc store.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	return doc, nil
}
