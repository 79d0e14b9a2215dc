// Package store contains the persistence contract for deployplane.
package store

import (
	"context"
	"errors"
)

// Standard errors
var (
	ErrNotFound     = errors.New("store: not found")
	ErrMissingID    = errors.New("store: document id is required")
	ErrUnknownTable = errors.New("store: unknown table")
)

// Table names used by the core.
const (
	TableDeployments = "deployments"
	TableRuns        = "runs"
)

// Store is an ordered document store partitioned by table.
// Implementations only need equality/range filtering, sort and limit.
type Store interface {
	// Get returns the document with the given id or ErrNotFound.
	Get(ctx context.Context, table, id string) (Document, error)

	// Insert stores a new document, assigning an id when missing.
	Insert(ctx context.Context, table string, doc Document) (Document, error)

	// Update replaces the document with the same id, inserting it when absent.
	Update(ctx context.Context, table string, doc Document) (Document, error)

	// Delete removes the document with the given id.
	Delete(ctx context.Context, table, id string) error

	// Find returns the documents matching q, ordered and limited by mods.
	Find(ctx context.Context, table string, q Query, mods ...Modifier) ([]Document, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
