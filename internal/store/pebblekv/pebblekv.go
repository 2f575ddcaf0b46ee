// Package pebblekv is the durable on-disk store.KV backend, used when a
// node's data_dir points at real storage rather than a test harness.
package pebblekv

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/enclave-xyz/ciphernode/internal/store"
)

// Store wraps a pebble.DB to satisfy store.KV.
type Store struct {
	db *pebble.DB
}

var _ store.KV = (*Store)(nil)

// Open opens (creating if absent) a pebble database rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebblekv: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebblekv: get: %w", err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, false, fmt.Errorf("pebblekv: close reader: %w", cerr)
	}
	return out, true, nil
}

func (s *Store) Put(_ context.Context, key []byte, value []byte) error {
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebblekv: put: %w", err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key []byte) error {
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("pebblekv: delete: %w", err)
	}
	return nil
}

func (s *Store) Scan(_ context.Context, prefix []byte) (store.Iterator, error) {
	upper := prefixUpperBound(prefix)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("pebblekv: scan: %w", err)
	}
	return &iterator{it: it, started: false}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("pebblekv: close: %w", err)
	}
	return nil
}

// prefixUpperBound returns the smallest key that is strictly greater than
// every key sharing prefix, bounding the scan's iterator.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff: unbounded above
}

type iterator struct {
	it      *pebble.Iterator
	started bool
}

func (it *iterator) Next() bool {
	if !it.started {
		it.started = true
		return it.it.First()
	}
	return it.it.Next()
}

func (it *iterator) Entry() store.Entry {
	key := make([]byte, len(it.it.Key()))
	copy(key, it.it.Key())
	val := make([]byte, len(it.it.Value()))
	copy(val, it.it.Value())
	return store.Entry{Key: key, Value: val}
}

func (it *iterator) Err() error   { return it.it.Error() }
func (it *iterator) Close() error { return it.it.Close() }
