package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryRecord struct {
	value   []byte
	version int64
}

// MemoryStore keeps records in process memory. It is safe for concurrent use
// and primarily intended for development and tests; a multi-instance
// deployment needs the Redis or Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

// Get returns the stored value and version for the key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, translateContextErr(ctx, err)
	}
	s.mu.RLock()
	record, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	value := make([]byte, len(record.value))
	copy(value, record.value)
	return value, record.version, nil
}

// CompareAndSwap replaces the value when the stored version matches.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, translateContextErr(ctx, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return 0, ErrNotFound
	}
	if record.version != expectedVersion {
		return 0, ErrConflict
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	next := memoryRecord{value: stored, version: record.version + 1}
	s.records[key] = next
	return next.version, nil
}

// InsertIfAbsent creates the key when it does not exist yet.
func (s *MemoryStore) InsertIfAbsent(ctx context.Context, key string, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, translateContextErr(ctx, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return 0, ErrAlreadyExists
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.records[key] = memoryRecord{value: stored, version: 1}
	return 1, nil
}

// Delete removes the key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return translateContextErr(ctx, err)
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Scan visits every key with the provided prefix in lexical order. The
// callback receives a copy of the stored value.
func (s *MemoryStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte, version int64) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return translateContextErr(ctx, err)
		}
		s.mu.RLock()
		record, ok := s.records[key]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		value := make([]byte, len(record.value))
		copy(value, record.value)
		if err := fn(key, value, record.version); err != nil {
			return err
		}
	}
	return nil
}

// Ping always reports success for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
