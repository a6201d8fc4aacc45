package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yoockh/intraview/internal/utils"
)

// LocalStore writes payloads under a root directory, the development
// counterpart of GCSStore. Stored paths are relative to the root.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Upload(_ context.Context, objectName string, _ string, r io.Reader) (string, error) {
	full, err := s.resolve(objectName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}

	// write to a temp file first so a half-written payload is never visible
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return filepath.ToSlash(objectName), nil
}

func (s *LocalStore) Download(_ context.Context, storedPath string) ([]byte, error) {
	full, err := s.resolve(storedPath)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, utils.ErrNotFound
	}
	return b, err
}

func (s *LocalStore) Delete(_ context.Context, storedPath string) error {
	full, err := s.resolve(storedPath)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *LocalStore) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(s.root, clean), nil
}

// MemoryStore is a Blobs kept in a map, for tests and STORE_BACKEND=memory.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// FailUploads makes every Upload fail, to exercise rollback paths.
	FailUploads error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (s *MemoryStore) Upload(_ context.Context, objectName string, _ string, r io.Reader) (string, error) {
	s.mu.Lock()
	fail := s.FailUploads
	s.mu.Unlock()
	if fail != nil {
		return "", fail
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = b
	return objectName, nil
}

func (s *MemoryStore) Download(_ context.Context, storedPath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[storedPath]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Delete(_ context.Context, storedPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, storedPath)
	return nil
}

// Len reports how many objects are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

var (
	_ Blobs = (*GCSStore)(nil)
	_ Blobs = (*LocalStore)(nil)
	_ Blobs = (*MemoryStore)(nil)
)
