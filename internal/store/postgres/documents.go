package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"deployplane/internal/store"
)

// Get returns a single document.
func (s *Store) Get(ctx context.Context, table, id string) (store.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM documents WHERE tbl = $1 AND id = $2", table, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Insert adds a new document row.
func (s *Store) Insert(ctx context.Context, table string, doc store.Document) (store.Document, error) {
	prepared, err := store.Prepare(doc, true)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(prepared)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO documents (tbl, id, doc)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.ExecContext(ctx, query, table, prepared.ID(), raw); err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return prepared, nil
}

// Update upserts by id, keeping the created stamp of an existing row.
func (s *Store) Update(ctx context.Context, table string, doc store.Document) (store.Document, error) {
	prepared, err := store.Prepare(doc, false)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(prepared)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO documents (tbl, id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (tbl, id) DO UPDATE
		SET doc = jsonb_set(EXCLUDED.doc, '{created}', COALESCE(documents.doc->'created', EXCLUDED.doc->'created')),
		    updated_at = NOW()
		RETURNING doc
	`
	var stored []byte
	if err := s.db.QueryRowContext(ctx, query, table, prepared.ID(), raw).Scan(&stored); err != nil {
		return nil, fmt.Errorf("failed to update %s/%s: %w", table, prepared.ID(), err)
	}
	return decode(stored)
}

// Delete removes one document.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE tbl = $1 AND id = $2", table, id)
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

// Find pushes plain equality clauses down as jsonb containment and evaluates
// the remaining operators, sort and limit in Go.
func (s *Store) Find(ctx context.Context, table string, q store.Query, mods ...store.Modifier) ([]store.Document, error) {
	containment, err := json.Marshal(store.EqualityFilter(q))
	if err != nil {
		return nil, err
	}

	query := `
		SELECT doc
		FROM documents
		WHERE tbl = $1 AND doc @> $2::jsonb
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, table, containment)
	if err != nil {
		return nil, fmt.Errorf("find query failed: %w", err)
	}
	defer rows.Close()

	var all []store.Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("find scan failed: %w", err)
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, err
		}
		all = append(all, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find rows error: %w", err)
	}

	return store.Apply(all, q, store.BuildModifiers(mods...))
}

func decode(raw []byte) (store.Document, error) {
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	return doc, nil
}
