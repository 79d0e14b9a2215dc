package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"deployplane/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "deployplane.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc, err := s.Insert(ctx, store.TableDeployments, store.Document{"appId": "app", "sequence": 1})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := s.Get(ctx, store.TableDeployments, doc.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got["appId"] != "app" || got["sequence"] != float64(1) {
		t.Errorf("unexpected document %v", got)
	}

	if err := s.Delete(ctx, store.TableDeployments, doc.ID()); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, store.TableDeployments, doc.ID()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, store.TableDeployments, doc.ID()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestUpdate_PreservesCreated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Update(ctx, store.TableDeployments, store.Document{"id": "d1", "state": "requested"})
	if err != nil {
		t.Fatalf("Update (insert) failed: %v", err)
	}

	second, err := s.Update(ctx, store.TableDeployments, store.Document{"id": "d1", "state": "completed"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if second["created"] != first["created"] {
		t.Errorf("created changed: %v -> %v", first["created"], second["created"])
	}

	got, _ := s.Get(ctx, store.TableDeployments, "d1")
	if got["state"] != "completed" {
		t.Errorf("expected updated state, got %v", got["state"])
	}
}

func TestFind_FiltersSortsLimits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, d := range []store.Document{
		{"id": "a", "appId": "app", "to": "prod", "state": "completed", "ts": 100},
		{"id": "b", "appId": "app", "to": "prod", "state": "failed", "ts": 300},
		{"id": "c", "appId": "app", "to": "prod", "state": "missing_references", "ts": 200},
		{"id": "d", "appId": "app", "to": "test", "state": "completed", "ts": 400},
	} {
		if _, err := s.Insert(ctx, store.TableDeployments, d); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	list, err := s.Find(ctx, store.TableDeployments,
		store.Query{
			"appId": "app",
			"to":    "prod",
			"state": map[string]any{store.OpIn: []string{"completed", "missing_references"}},
		},
		store.Sort("ts", true),
		store.Limit(1),
	)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(list) != 1 || list[0].ID() != "c" {
		t.Errorf("expected [c], got %v", list)
	}

	other, err := s.Find(ctx, "nothing", nil)
	if err != nil {
		t.Fatalf("Find on empty table failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no documents, got %d", len(other))
	}
}
