package metastore

import (
	"context"
	"sort"
	"sync"

	"github.com/keyweave/envelope"
)

var _ envelope.Metastore = (*MemoryMetastore)(nil)

// MemoryMetastore is an in-memory envelope.Metastore. It must not be used in
// production; it exists for tests and local examples.
type MemoryMetastore struct {
	sync.RWMutex

	envelopes map[string]map[int64]*envelope.EnvelopeKeyRecord
}

// NewMemoryMetastore returns an empty MemoryMetastore.
func NewMemoryMetastore() *MemoryMetastore {
	return &MemoryMetastore{
		envelopes: make(map[string]map[int64]*envelope.EnvelopeKeyRecord),
	}
}

// Load implements envelope.Metastore.
func (s *MemoryMetastore) Load(_ context.Context, keyID string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	s.RLock()
	defer s.RUnlock()

	if ekr, ok := s.envelopes[keyID][created]; ok {
		return ekr, nil
	}

	return nil, nil
}

// LoadLatest implements envelope.Metastore.
func (s *MemoryMetastore) LoadLatest(_ context.Context, keyID string) (*envelope.EnvelopeKeyRecord, error) {
	s.RLock()
	defer s.RUnlock()

	keyIDMap, ok := s.envelopes[keyID]
	if !ok || len(keyIDMap) == 0 {
		return nil, nil
	}

	created := make([]int64, 0, len(keyIDMap))
	for c := range keyIDMap {
		created = append(created, c)
	}

	sort.Slice(created, func(i, j int) bool { return created[i] < created[j] })

	return keyIDMap[created[len(created)-1]], nil
}

// Store implements envelope.Metastore.
func (s *MemoryMetastore) Store(_ context.Context, keyID string, created int64, ekr *envelope.EnvelopeKeyRecord) (bool, error) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.envelopes[keyID][created]; ok {
		return false, nil
	}

	if _, ok := s.envelopes[keyID]; !ok {
		s.envelopes[keyID] = make(map[int64]*envelope.EnvelopeKeyRecord)
	}

	s.envelopes[keyID][created] = ekr

	return true, nil
}
