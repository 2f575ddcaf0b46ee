// Package memkv is an in-memory KV backend used by tests.
package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/enclave-xyz/ciphernode/internal/store"
)

// Store is a map-backed store.KV, safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

var _ store.KV = (*Store)(nil)

func (s *Store) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) Put(_ context.Context, key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[string(key)] = v
	return nil
}

func (s *Store) Delete(_ context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *Store) Scan(_ context.Context, prefix []byte) (store.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []store.Entry
	for k, v := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			val := make([]byte, len(v))
			copy(val, v)
			entries = append(entries, store.Entry{Key: []byte(k), Value: val})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
	return &iterator{entries: entries, idx: -1}, nil
}

func (s *Store) Close() error { return nil }

type iterator struct {
	entries []store.Entry
	idx     int
}

func (it *iterator) Next() bool {
	it.idx++
	return it.idx < len(it.entries)
}

func (it *iterator) Entry() store.Entry { return it.entries[it.idx] }
func (it *iterator) Err() error         { return nil }
func (it *iterator) Close() error       { return nil }
