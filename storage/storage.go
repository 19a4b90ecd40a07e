// Package storage provides namespaced key-value storage for session state,
// plus the narrow Object and Snapshot views the session router consumes.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the primary interface for namespaced data storage.
type Storage interface {
	// Get retrieves data for a key within the given namespace.
	// Returns a nil Item if the key doesn't exist or has expired.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a key within the given namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace.
	// If no key is specified via WithKey, the entire namespace is removed.
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources.
	Close() error
}

// Item represents a stored piece of data with metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired checks if the item has expired.
func (it *Item) IsExpired() bool {
	return it.ExpiredAt(time.Now())
}

// ExpiredAt reports whether the item is expired at now.
func (it *Item) ExpiredAt(now time.Time) bool {
	return it.ExpiresAt != nil && now.After(*it.ExpiresAt)
}

// Option configures storage operations.
type Option func(*Options)

// Options contains configuration for storage operations.
type Options struct {
	Namespace Namespace      // nil = global
	Key       *string        // for Delete
	TTL       *time.Duration // time-to-live for Set
}

// Apply folds opts into a fresh Options and validates the combination.
func Apply(opts ...Option) (*Options, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.TTL != nil && *o.TTL <= 0 {
		return nil, ErrInvalidOptions
	}
	if ns, ok := o.Namespace.(SessionNamespace); ok && ns.SessionID == "" {
		return nil, ErrInvalidOptions
	}
	return o, nil
}

// Namespace represents a storage namespace. If nil, storage operates in the
// global namespace.
type Namespace interface {
	namespace()
}

// SessionNamespace scopes data to one session.
type SessionNamespace struct {
	SessionID string
}

func (SessionNamespace) namespace() {}

// WithSession selects the session namespace.
func WithSession(sessionID string) Option {
	return func(opts *Options) {
		opts.Namespace = SessionNamespace{SessionID: sessionID}
	}
}

// WithKey specifies a key for Delete operations. Without it, Delete removes
// the entire namespace.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided.
	ErrInvalidOptions = errors.New("storage: invalid option combination")
)
