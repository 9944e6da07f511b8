package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStore persists artifacts under a root directory on the local
// filesystem. Writes go through a temp file and rename so a crashed run
// never leaves a half-written report behind.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at root, creating the
// directory when missing.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("fs store requires a root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, WrapInitError(err, "fs")
	}
	return &FSStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string {
	return s.root
}

// Put implements Store.
func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return WrapWriteError(err, key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return WrapWriteError(err, key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return WrapWriteError(err, key)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return WrapWriteError(err, key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return WrapWriteError(err, key)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return WrapWriteError(err, key)
	}
	return nil
}

// Get implements Store.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, WrapReadError(err, key)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewStorageError(ErrNotFound, "read", key, err)
		}
		return nil, WrapReadError(err, key)
	}
	return data, nil
}

// Close implements Store. The filesystem backend holds no resources.
func (s *FSStore) Close() error {
	return nil
}

// resolve maps a key onto a path under root, rejecting escapes.
func (s *FSStore) resolve(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the store root", key)
	}
	return filepath.Join(s.root, clean), nil
}

var _ Store = (*FSStore)(nil)
