package shard

import (
	"fmt"
	"sync"
	"testing"
)

func TestMap_GetOrCreate(t *testing.T) {
	m := New[*int](4)
	calls := 0
	mk := func() *int { calls++; v := 0; return &v }

	a := m.GetOrCreate("k", mk)
	b := m.GetOrCreate("k", mk)
	if a != b {
		t.Fatal("GetOrCreate returned different values for the same key")
	}
	if calls != 1 {
		t.Fatalf("constructor calls: got %d, want 1", calls)
	}
}

func TestMap_DeleteAndLen(t *testing.T) {
	m := New[int](0)
	if m.Count() != DefaultCount {
		t.Fatalf("shard count: got %d, want %d", m.Count(), DefaultCount)
	}
	for i := 0; i < 100; i++ {
		m.GetOrCreate(fmt.Sprintf("k%d", i), func() int { return i })
	}
	if m.Len() != 100 {
		t.Fatalf("len: got %d, want 100", m.Len())
	}
	m.Delete("k5")
	if _, ok := m.Get("k5"); ok {
		t.Fatal("k5 should be gone")
	}
	if v, ok := m.Get("k6"); !ok || v != 6 {
		t.Fatalf("k6: got %d,%v", v, ok)
	}
}

func TestMap_ConcurrentWith(t *testing.T) {
	m := New[int](8)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.With("hot", func(e map[string]int) { e["hot"]++ })
			}
		}()
	}
	wg.Wait()
	if v, _ := m.Get("hot"); v != 5000 {
		t.Fatalf("counter: got %d, want 5000", v)
	}
}
