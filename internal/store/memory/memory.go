// Package memory implements store.Store in process memory.
// It backs tests and single-node development setups.
package memory

import (
	"context"
	"sync"

	"deployplane/internal/store"
)

type table struct {
	order []string
	docs  map[string]store.Document
}

// Store is a goroutine-safe in-memory document store.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// New creates an empty store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

func (s *Store) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{docs: make(map[string]store.Document)}
		s.tables[name] = t
	}
	return t
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, tableName, id string) (store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[tableName]
	if !ok {
		return nil, store.ErrNotFound
	}
	doc, ok := t.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc.Clone()
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, tableName string, doc store.Document) (store.Document, error) {
	prepared, err := store.Prepare(doc, true)
	if err != nil {
		return nil, err
	}
	return s.put(tableName, prepared)
}

// Update implements store.Store. Missing documents are inserted.
func (s *Store) Update(ctx context.Context, tableName string, doc store.Document) (store.Document, error) {
	prepared, err := store.Prepare(doc, false)
	if err != nil {
		return nil, err
	}
	return s.put(tableName, prepared)
}

func (s *Store) put(tableName string, doc store.Document) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(tableName)
	id := doc.ID()
	if existing, ok := t.docs[id]; ok {
		if created, ok := existing["created"]; ok {
			doc["created"] = created
		}
	} else {
		t.order = append(t.order, id)
	}
	t.docs[id] = doc
	return doc.Clone()
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, tableName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := t.docs[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.docs, id)
	for i, candidate := range t.order {
		if candidate == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Find implements store.Store.
func (s *Store) Find(ctx context.Context, tableName string, q store.Query, mods ...store.Modifier) ([]store.Document, error) {
	s.mu.RLock()
	t, ok := s.tables[tableName]
	var all []store.Document
	if ok {
		all = make([]store.Document, 0, len(t.order))
		for _, id := range t.order {
			all = append(all, t.docs[id])
		}
	}
	s.mu.RUnlock()

	matched, err := store.Apply(all, q, store.BuildModifiers(mods...))
	if err != nil {
		return nil, err
	}

	out := make([]store.Document, 0, len(matched))
	for _, doc := range matched {
		c, err := doc.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close implements store.Store.
func (s *Store) Close() error { return nil }
