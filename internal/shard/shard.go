// Package shard provides a string-keyed map split across independently
// locked shards so unrelated keys do not contend on one mutex.
package shard

import (
	"hash/fnv"
	"sync"
)

const DefaultCount = 32

type bucket[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

type Map[V any] struct {
	shards []*bucket[V]
}

// New returns a map with n shards (DefaultCount when n <= 0).
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultCount
	}
	m := &Map[V]{shards: make([]*bucket[V], n)}
	for i := range m.shards {
		m.shards[i] = &bucket[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) Count() int { return len(m.shards) }

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// With runs fn holding the lock of the shard that owns key. fn receives the
// shard's backing map and may read or mutate any entry in it.
func (m *Map[V]) With(key string, fn func(entries map[string]V)) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.m)
}

// GetOrCreate returns the value for key, creating it with mk when absent.
func (m *Map[V]) GetOrCreate(key string, mk func() V) V {
	var v V
	m.With(key, func(entries map[string]V) {
		cur, ok := entries[key]
		if !ok {
			cur = mk()
			entries[key] = cur
		}
		v = cur
	})
	return v
}

func (m *Map[V]) Get(key string) (V, bool) {
	var (
		v  V
		ok bool
	)
	m.With(key, func(entries map[string]V) { v, ok = entries[key] })
	return v, ok
}

func (m *Map[V]) Delete(key string) {
	m.With(key, func(entries map[string]V) { delete(entries, key) })
}

// Each visits every shard in turn under its lock.
func (m *Map[V]) Each(fn func(entries map[string]V)) {
	for _, b := range m.shards {
		b.mu.Lock()
		fn(b.m)
		b.mu.Unlock()
	}
}

func (m *Map[V]) Len() int {
	n := 0
	m.Each(func(entries map[string]V) { n += len(entries) })
	return n
}
