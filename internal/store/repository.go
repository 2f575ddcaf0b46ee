package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
)

// Codec serializes and deserializes a repository's value type.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

// gobCodec is the default codec: encoding/gob, sufficient for the plain
// structs this runtime persists (node state, committees, encrypted
// keyshare envelopes, bus history entries).
type gobCodec[V any] struct{}

func (gobCodec[V]) Encode(v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec[V]) Decode(data []byte) (V, error) {
	var v V
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("gob decode: %w", err)
	}
	return v, nil
}

// Repository is a typed view over a KV store, bound to a namespace prefix.
// Keys within the namespace are caller-supplied suffixes (e.g. an operator
// address, an E3 id).
type Repository[V any] struct {
	kv        KV
	namespace string
	codec     Codec[V]
}

// NewRepository returns a repository namespaced under prefix (e.g.
// "/nodes/1/"), using the gob codec.
func NewRepository[V any](kv KV, namespace string) *Repository[V] {
	return &Repository[V]{kv: kv, namespace: namespace, codec: gobCodec[V]{}}
}

func (r *Repository[V]) key(suffix string) []byte {
	return []byte(r.namespace + suffix)
}

// Load reads the value stored at suffix, if any, wrapping it in a
// Persistable bound to this repository for subsequent mutation.
func (r *Repository[V]) Load(ctx context.Context, suffix string) (*Persistable[V], error) {
	raw, ok, err := r.kv.Get(ctx, r.key(suffix))
	if err != nil {
		return nil, fmt.Errorf("repository load %s%s: %w", r.namespace, suffix, err)
	}
	p := &Persistable[V]{repo: r, suffix: suffix}
	if ok {
		v, err := r.codec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("repository decode %s%s: %w", r.namespace, suffix, err)
		}
		p.value = &v
	}
	return p, nil
}

// Clear deletes the value stored at suffix.
func (r *Repository[V]) Clear(ctx context.Context, suffix string) error {
	if err := r.kv.Delete(ctx, r.key(suffix)); err != nil {
		return fmt.Errorf("repository clear %s%s: %w", r.namespace, suffix, err)
	}
	return nil
}

// Scan returns every (suffix, value) pair stored under this namespace,
// used by components that hydrate a whole mirror at startup (node-state
// manager, bus history replay).
func (r *Repository[V]) Scan(ctx context.Context) (map[string]V, error) {
	it, err := r.kv.Scan(ctx, []byte(r.namespace))
	if err != nil {
		return nil, fmt.Errorf("repository scan %s: %w", r.namespace, err)
	}
	defer it.Close()
	out := make(map[string]V)
	for it.Next() {
		e := it.Entry()
		suffix := string(e.Key)[len(r.namespace):]
		v, err := r.codec.Decode(e.Value)
		if err != nil {
			return nil, fmt.Errorf("repository scan decode %s: %w", string(e.Key), err)
		}
		out[suffix] = v
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("repository scan iterate %s: %w", r.namespace, err)
	}
	return out, nil
}

// Persistable holds an optional in-memory value that is synchronously
// written through to the underlying store on every mutation. Concurrent
// writers to the same suffix must be serialized by the owning actor
// (spec.md §4.A / §5); Persistable itself only guards its own field.
type Persistable[V any] struct {
	mu     sync.Mutex
	repo   *Repository[V]
	suffix string
	value  *V
}

// Get returns the current in-memory value, if loaded.
func (p *Persistable[V]) Get() (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.value == nil {
		var zero V
		return zero, false
	}
	return *p.value, true
}

// Set writes v through to the store before updating the in-memory value.
// On write failure the in-memory value is left untouched and the error is
// returned to the caller (spec.md §4.A failure semantics).
func (p *Persistable[V]) Set(ctx context.Context, v V) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	encoded, err := p.repo.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("persistable encode %s%s: %w", p.repo.namespace, p.suffix, err)
	}
	if err := p.repo.kv.Put(ctx, p.repo.key(p.suffix), encoded); err != nil {
		return fmt.Errorf("persistable write %s%s: %w", p.repo.namespace, p.suffix, err)
	}
	p.value = &v
	return nil
}

// Delete removes the persisted value and clears the in-memory value.
func (p *Persistable[V]) Delete(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.repo.kv.Delete(ctx, p.repo.key(p.suffix)); err != nil {
		return fmt.Errorf("persistable delete %s%s: %w", p.repo.namespace, p.suffix, err)
	}
	p.value = nil
	return nil
}
