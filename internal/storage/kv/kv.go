// Package kv provides the key/value store the pricing core keeps its caches,
// spreads and quotes in.
package kv

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the narrow key/value contract used by the services.
type Store interface {
	// Get returns the value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores the value. A zero ttl keeps the key forever.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys, ignoring missing ones.
	Delete(ctx context.Context, keys ...string) error
	// GetDel atomically returns and removes the value, or ErrNotFound.
	GetDel(ctx context.Context, key string) ([]byte, error)
	// List returns keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Update runs an optimistic read-modify-write on a key without expiry.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// UpdateFunc receives the current value (nil when absent) and returns the new one.
type UpdateFunc func(current []byte, found bool) ([]byte, error)
