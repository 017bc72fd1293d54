// Package persistence provides adapters and a reference implementation for
// the opaque DataRowRecord persistence surface Session.Store/Session.Load
// accept (spec §6.4).
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/keyweave/envelope"
)

// LoaderFunc is an adapter to allow the use of ordinary functions as Loaders.
// If f is a function with the appropriate signature, LoaderFunc(f) is an
// envelope.Loader that calls f.
type LoaderFunc func(ctx context.Context, key interface{}) (*envelope.DataRowRecord, error)

// Load calls f(ctx, key).
func (f LoaderFunc) Load(ctx context.Context, key interface{}) (*envelope.DataRowRecord, error) {
	return f(ctx, key)
}

// StorerFunc is an adapter to allow the use of ordinary functions as Storers.
// If f is a function with the appropriate signature, StorerFunc(f) is an
// envelope.Storer that calls f.
type StorerFunc func(ctx context.Context, d envelope.DataRowRecord) (interface{}, error)

// Store calls f(ctx, d).
func (f StorerFunc) Store(ctx context.Context, d envelope.DataRowRecord) (interface{}, error) {
	return f(ctx, d)
}

var (
	_ envelope.Loader = (*MemoryStore)(nil)
	_ envelope.Storer = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory, UUID-keyed Loader/Storer: every Store call
// mints a new uuid.UUID to name the persisted DataRowRecord, satisfying the
// "caller-chosen or UUID-generated string" persistence key contract (spec
// §6.4). It exists for tests and local examples, not production use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[uuid.UUID][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[uuid.UUID][]byte)}
}

// Store implements envelope.Storer, returning the generated uuid.UUID key.
func (s *MemoryStore) Store(_ context.Context, d envelope.DataRowRecord) (interface{}, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}

	key := uuid.New()

	s.mu.Lock()
	s.data[key] = b
	s.mu.Unlock()

	return key, nil
}

// Load implements envelope.Loader. key must be a uuid.UUID previously
// returned by Store.
func (s *MemoryStore) Load(_ context.Context, key interface{}) (*envelope.DataRowRecord, error) {
	id, ok := key.(uuid.UUID)
	if !ok {
		return nil, fmt.Errorf("persistence: key must be a uuid.UUID, got %T", key)
	}

	s.mu.RLock()
	b, ok := s.data[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("persistence: no record for key %s", id)
	}

	var d envelope.DataRowRecord
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}

	return &d, nil
}
