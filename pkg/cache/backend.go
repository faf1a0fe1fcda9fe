package cache

import (
	"context"
	"errors"
)

var (
	// ErrMiss indicates the requested key was not found in the cache.
	ErrMiss = errors.New("cache miss")

	// ErrClosed indicates an operation on a closed backend.
	ErrClosed = errors.New("cache backend closed")

	// ErrInvalidEntry indicates a stored entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Backend is a keyed store for one table of one provider.
//
// Implementations must be safe for concurrent use. Get returns ErrMiss when
// the key is absent; Set keeps Updated monotonically non-decreasing per key
// (a write older than the stored entry is dropped).
type Backend interface {
	// Available reports whether the backend can currently serve requests.
	Available() bool

	// Get retrieves the entry stored under key.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores the entry under key.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry stored under key, if any.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry in the table and returns how many were
	// removed.
	Clear(ctx context.Context) (int, error)

	// Keys streams the keys in the table to fn until fn returns false or
	// the enumeration ends.
	Keys(ctx context.Context, fn func(key string) bool) error

	// Close releases the backend. Close is ordered after every in-flight
	// operation has finished.
	Close() error
}
