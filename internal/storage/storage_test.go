package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// newTestStore creates a temporary store for tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir, err := os.MkdirTemp("", "storage_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

// TestSetGet tests storing and retrieving a value.
func TestSetGet(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("expected v1, got %q", got)
	}
}

// TestGetMissing tests that a missing key returns nil without error.
func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get([]byte("absent"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got != nil {
		t.Fatalf("expected nil for missing key, got %q", got)
	}
}

// TestSetBatch tests atomic multi-key writes.
func TestSetBatch(t *testing.T) {
	s := newTestStore(t)

	pairs := []KeyValue{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("set batch: %v", err)
	}

	for _, kv := range pairs {
		got, err := s.Get(kv.Key)
		if err != nil {
			t.Fatalf("get %q: %v", kv.Key, err)
		}

		if !bytes.Equal(got, kv.Value) {
			t.Fatalf("key %q: expected %q, got %q", kv.Key, kv.Value, got)
		}
	}
}

// TestIteratePrefix tests that only matching keys are visited, in order.
func TestIteratePrefix(t *testing.T) {
	s := newTestStore(t)

	s.Set([]byte("h:02"), []byte("x"))
	s.Set([]byte("h:01"), []byte("y"))
	s.Set([]byte("a:01"), []byte("z"))

	var keys []string

	err := s.IteratePrefix([]byte("h:"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}

	if len(keys) != 2 || keys[0] != "h:01" || keys[1] != "h:02" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

// TestDelete tests removing a key.
func TestDelete(t *testing.T) {
	s := newTestStore(t)

	s.Set([]byte("k"), []byte("v"))

	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := s.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got != nil {
		t.Fatalf("expected nil after delete, got %q", got)
	}
}
