package lb

import (
	"net/url"
	"testing"
	"time"

	"github.com/fabian4/edgeproxy/internal/config"
)

func target(raw string, w int) config.Target {
	u, _ := url.Parse(raw)
	return config.Target{URL: u, Weight: w}
}

func TestSmoothWRR(t *testing.T) {
	b := NewSmoothWRR([]config.Target{
		target("http://a", 5),
		target("http://b", 1),
		target("http://c", 1),
	}, DefaultHealth())

	// total weight 7, nginx smooth sequence
	expected := []string{"a", "a", "b", "a", "c", "a", "a"}
	for i, want := range expected {
		if got := b.Next().URL().Host; got != want {
			t.Errorf("step %d: got %s, want %s", i, got, want)
		}
	}
}

func TestNew_SingleTarget(t *testing.T) {
	b := New([]config.Target{target("http://a", 1)}, DefaultHealth())
	for i := 0; i < 10; i++ {
		ep := b.Next()
		if ep.URL().Host != "a" {
			t.Fatalf("got %s, want a", ep.URL().Host)
		}
		ep.Feedback(false) // single target is never skipped
	}
}

func TestSmoothWRR_PassiveHealth(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newSmoothWRR([]config.Target{target("http://a", 1), target("http://b", 1)},
		Health{MaxFails: 2, Cooldown: 5 * time.Second}, func() time.Time { return now })

	// 1:1 alternates a, b, a, b
	for i := 0; i < 2; i++ {
		ep := b.Next()
		if ep.URL().Host != "a" {
			t.Fatalf("round %d: want a, got %s", i, ep.URL().Host)
		}
		ep.Feedback(false)
		b.Next().Feedback(true)
	}

	for i := 0; i < 4; i++ {
		if got := b.Next().URL().Host; got != "b" {
			t.Fatalf("a should be cooling down, got %s", got)
		}
	}

	now = now.Add(6 * time.Second)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[b.Next().URL().Host] = true
	}
	if !seen["a"] {
		t.Fatal("a should be back after the cooldown")
	}
}

func TestSmoothWRR_AllDown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newSmoothWRR([]config.Target{target("http://a", 1)},
		Health{MaxFails: 1, Cooldown: time.Minute}, func() time.Time { return now })
	b.Next().Feedback(false)
	if ep := b.Next(); ep != nil {
		t.Fatalf("want nil when every target is down, got %s", ep.URL())
	}
}
