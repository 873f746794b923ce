// Package storage provides the durable document store used by the credential
// registry. The store is passive: it loads and saves one opaque JSON document
// wholesale, and the registry computes the full new state before every save.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no document has ever been saved. The
// registry treats this as first boot, distinct from a malformed document.
var ErrNotFound = errors.New("document not found")

// DocumentStore persists a single opaque JSON document. Implementations must
// be safe for concurrent use; callers are expected to serialize writers.
type DocumentStore interface {
	// Load returns the current document bytes, or ErrNotFound when absent.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the document atomically. Safe to call repeatedly with
	// the same content.
	Save(ctx context.Context, doc []byte) error
}
