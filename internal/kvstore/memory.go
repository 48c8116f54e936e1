package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memItem struct {
	value   []byte
	expires time.Time // zero = never
}

// Memory is an in-process Store. Expired items are invisible to readers and
// removed by Sweep.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]memItem
	now    func() time.Time
	closed bool
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memItem), now: time.Now}
}

// NewMemoryWithClock is used by tests that need to move time.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := NewMemory()
	m.now = now
	return m
}

func (m *Memory) live(it memItem, now time.Time) bool {
	return it.expires.IsZero() || now.Before(it.expires)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	it, ok := m.items[key]
	if !ok || !m.live(it, m.now()) {
		return nil, false, nil
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	it := memItem{value: v}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items[key] = it
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := m.now()
	var keys []string
	for k, it := range m.items {
		if strings.HasPrefix(k, prefix) && m.live(it, now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Sweep drops expired items and reports how many were removed.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, it := range m.items {
		if !m.live(it, now) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = make(map[string]memItem)
	return nil
}
