package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFSStoreRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	key := "runs/2026-08-30/run-1/report.json"
	payload := []byte(`{"status":"passed"}`)

	if err := s.Put(ctx, key, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Get = %q, want %q", got, payload)
	}
}

func TestFSStorePutOverwrites(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "a.json", []byte("old")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "a.json", []byte("new")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "a.json")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new" {
		t.Errorf("Get after overwrite = %q, want %q", got, "new")
	}
}

func TestFSStoreGetMissing(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Get(context.Background(), "nope/missing.json")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %T", err)
	}
	if storageErr.Key != "nope/missing.json" {
		t.Errorf("error key = %q", storageErr.Key)
	}
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, key := range []string{"", "../outside.json", "/abs.json", "a/../../outside.json"} {
		if err := s.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("Put(%q) should have been rejected", key)
		}
	}

	// Nothing may have escaped the root.
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "outside.json")); err == nil {
		t.Fatal("a write escaped the store root")
	}
}

func TestFSStoreNoPartialFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "r/a.json", []byte("ok")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "r"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "a.json" {
			t.Errorf("unexpected leftover file %s", e.Name())
		}
	}
}

func TestNewFSStoreEmptyRoot(t *testing.T) {
	if _, err := NewFSStore(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}
