package store_test

import (
	"errors"
	"testing"

	"subbridge/internal/store"
)

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newSQLiteStore(t)

	rec := &store.Record{
		Email:     "user@example.com",
		Password:  "secret",
		AuthToken: "tok-1",
		Media:     &store.MediaAccount{AccountID: "abc", Username: "u", Password: "p"},
	}
	if err := s.Save(9, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(9)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Email != rec.Email || loaded.Media == nil || loaded.Media.AccountID != "abc" {
		t.Fatalf("loaded record mismatch: %+v", loaded)
	}
}

func TestSQLiteStore_LoadMissing(t *testing.T) {
	s := newSQLiteStore(t)

	if _, err := s.Load(404); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Load of absent record: got %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_UpsertAndDelete(t *testing.T) {
	s := newSQLiteStore(t)

	if err := s.Save(1, &store.Record{Email: "old@example.com"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(1, &store.Record{Email: "new@example.com"}); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}

	loaded, err := s.Load(1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Email != "new@example.com" {
		t.Fatalf("upsert lost: got %q", loaded.Email)
	}

	if err := s.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Load after delete: got %v, want ErrNotFound", err)
	}
	// Absent delete is a no-op
	if err := s.Delete(1); err != nil {
		t.Fatalf("Delete of absent record: %v", err)
	}
}

func TestSQLiteStore_ListAll(t *testing.T) {
	s := newSQLiteStore(t)

	for id := int64(1); id <= 3; id++ {
		if err := s.Save(id, &store.Record{Email: "u@example.com"}); err != nil {
			t.Fatalf("Save %d: %v", id, err)
		}
	}

	entries, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ListAll: got %d entries, want 3", len(entries))
	}
}
