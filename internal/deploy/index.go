package deploy

import (
	"context"
	"errors"
)

// ErrRecordNotFound is returned by Index implementations when a slug has no
// entry.
var ErrRecordNotFound = errors.New("deploy: index record not found")

// Record is the durable index entry for one deployed slug. The bundle
// sources live on disk; the index carries just enough to reconcile and to
// rebuild a worker's environment.
type Record struct {
	Slug string            `json:"slug"`
	Env  map[string]string `json:"env"`
}

// Index is the persistent key-value store keyed by slug. Implementations
// must make Upsert atomic per slug and support concurrent readers.
type Index interface {
	// Upsert creates or replaces the record for its slug.
	Upsert(ctx context.Context, rec Record) error

	// Get returns the record for slug, or ErrRecordNotFound.
	Get(ctx context.Context, slug string) (*Record, error)

	// List returns all records.
	List(ctx context.Context) ([]Record, error)

	// Delete removes the record for slug. Deleting a missing slug is not an
	// error.
	Delete(ctx context.Context, slug string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}
