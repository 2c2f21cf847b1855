package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/fernhealth/scribed/internal/fault"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
// It honors the same version semantics as the durable implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, collection, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.collections[collection][key]
	if !ok {
		return Record{}, fault.NotFound("%s/%s", collection, key)
	}
	// Copy the value so callers cannot alias stored bytes.
	out := rec
	out.Value = append([]byte(nil), rec.Value...)
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, collection, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	if _, ok := coll[key]; ok {
		return 0, fault.Conflict("insert %s/%s: already exists", collection, key)
	}
	coll[key] = Record{Key: key, Value: append([]byte(nil), value...), Version: 1}
	return 1, nil
}

func (s *MemoryStore) Put(_ context.Context, collection, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	next := coll[key].Version + 1
	coll[key] = Record{Key: key, Value: append([]byte(nil), value...), Version: next}
	return next, nil
}

func (s *MemoryStore) Update(_ context.Context, collection, key string, expectedVersion uint64, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	rec, ok := coll[key]
	if !ok {
		return 0, fault.NotFound("%s/%s", collection, key)
	}
	if rec.Version != expectedVersion {
		return 0, fault.Conflict("update %s/%s: version %d, expected %d",
			collection, key, rec.Version, expectedVersion)
	}
	next := rec.Version + 1
	coll[key] = Record{Key: key, Value: append([]byte(nil), value...), Version: next}
	return next, nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections[collection], key)
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, collection string, fn func(Record) bool) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.collections[collection]))
	for k := range s.collections[collection] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec := s.collections[collection][k]
		rec.Value = append([]byte(nil), rec.Value...)
		records = append(records, rec)
	}
	s.mu.RUnlock()

	for _, rec := range records {
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// collection returns the named map, creating it if needed. Caller must
// hold the write lock.
func (s *MemoryStore) collection(name string) map[string]Record {
	coll, ok := s.collections[name]
	if !ok {
		coll = make(map[string]Record)
		s.collections[name] = coll
	}
	return coll
}
