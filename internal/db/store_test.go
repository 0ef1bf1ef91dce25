package db

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_GetSet(t *testing.T) {
	store := newTestStore(t)

	namespace := "meshport"
	key := "jobs/abc"
	value := []byte(`{"id":"abc"}`)

	if err := store.Set(namespace, key, value); err != nil {
		t.Fatalf("set value: %v", err)
	}

	got, err := store.Get(namespace, key)
	if err != nil {
		t.Fatalf("get value: %v", err)
	}

	if string(got) != string(value) {
		t.Errorf("expected %s, got %s", value, got)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("meshport", "jobs/nonexistent")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("meshport", "jobs/a", []byte("x")); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if err := store.Delete("meshport", "jobs/a"); err != nil {
		t.Fatalf("delete value: %v", err)
	}

	if _, err := store.Get("meshport", "jobs/a"); err == nil {
		t.Error("expected error after delete")
	}
}

func TestStore_ListScopedByNamespace(t *testing.T) {
	store := newQuietStore(t)

	store.Set("meshport", "jobs/1", []byte("1"))
	store.Set("meshport", "jobs/2", []byte("2"))
	store.Set("meshport", "homes/1", []byte("h"))
	store.Set("other", "jobs/3", []byte("3"))

	keys, err := store.List("meshport", "jobs/", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "jobs/1" || keys[1] != "jobs/2" {
		t.Errorf("unexpected keys: %v", keys)
	}

	limited, err := store.List("meshport", "jobs/", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 key, got %d", len(limited))
	}
}

func newQuietStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
