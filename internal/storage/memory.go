package storage

import (
	"context"
	"sync"
)

type memory struct {
	mu  sync.RWMutex
	doc []byte
}

// NewMemory returns a concurrency-safe in-memory DocumentStore. Useful for
// tests, demos, or as an ephemeral backend.
func NewMemory() DocumentStore {
	return &memory{}
}

func (m *memory) Load(ctx context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.doc...), nil
}

func (m *memory) Save(ctx context.Context, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = append([]byte(nil), doc...)
	return nil
}
