package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type file struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a DocumentStore backed by a single JSON file. Saves are
// atomic (temp file + rename) so readers never observe a torn document.
//
// The file backend does not coordinate across processes: two instances
// sharing one path will overwrite each other's saves. Single-instance
// deployments only.
func NewFile(path string) DocumentStore {
	return &file{path: path}
}

func (f *file) Load(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	return doc, nil
}

func (f *file) Save(ctx context.Context, doc []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".agents-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}
