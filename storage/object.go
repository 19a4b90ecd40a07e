package storage

import (
	"context"
	"time"
)

// Object is the key-value view of one session's durable state.
type Object interface {
	// Get returns nil, nil when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// ScopeOption configures Scope.
type ScopeOption func(*scoped)

// WithObjectTTL expires every value written through the Object after ttl.
func WithObjectTTL(ttl time.Duration) ScopeOption {
	return func(s *scoped) { s.ttl = ttl }
}

// Scope returns the Object for sessionID backed by st.
func Scope(st Storage, sessionID string, opts ...ScopeOption) Object {
	s := &scoped{st: st, sessionID: sessionID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type scoped struct {
	st        Storage
	sessionID string
	ttl       time.Duration
}

func (s *scoped) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := s.st.Get(ctx, key, WithSession(s.sessionID))
	if err != nil || item == nil {
		return nil, err
	}
	return item.Data, nil
}

func (s *scoped) Put(ctx context.Context, key string, value []byte) error {
	opts := []Option{WithSession(s.sessionID)}
	if s.ttl > 0 {
		opts = append(opts, WithTTL(s.ttl))
	}
	return s.st.Set(ctx, key, value, opts...)
}

// SnapshotKey is the fixed key the session snapshot lives under.
const SnapshotKey = "snapshot"

// Snapshot loads and saves the opaque encoded state of a session.
type Snapshot struct {
	obj Object
}

// NewSnapshot returns the Snapshot stored in obj.
func NewSnapshot(obj Object) *Snapshot {
	return &Snapshot{obj: obj}
}

// Load returns the saved snapshot, or nil when none has been saved.
func (s *Snapshot) Load(ctx context.Context) ([]byte, error) {
	data, err := s.obj.Get(ctx, SnapshotKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// Save replaces the saved snapshot.
func (s *Snapshot) Save(ctx context.Context, data []byte) error {
	return s.obj.Put(ctx, SnapshotKey, data)
}
