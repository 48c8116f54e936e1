package janitor

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_RejectsBadSchedule(t *testing.T) {
	if _, err := New("every now and then", discard()); err == nil {
		t.Fatalf("want error")
	}
	if _, err := New("@every 30s", discard()); err != nil {
		t.Fatalf("descriptor schedule: %v", err)
	}
	if _, err := New("*/5 * * * *", discard()); err != nil {
		t.Fatalf("standard schedule: %v", err)
	}
}

func TestRunOnce(t *testing.T) {
	j, err := New("@every 1m", discard())
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Unix(1_700_000_000, 0)
	j.now = func() time.Time { return fixed }

	var seen time.Time
	j.Add("limiter", func(now time.Time) int { seen = now; return 3 })
	j.Add("boom", func(time.Time) int { panic("sweep bug") })
	j.Add("store", func(time.Time) int { return 0 })

	got := j.RunOnce()
	if got["limiter"] != 3 || got["boom"] != 0 || got["store"] != 0 {
		t.Fatalf("counts: %v", got)
	}
	if !seen.Equal(fixed) {
		t.Fatalf("sweep time: got %v, want %v", seen, fixed)
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	j, err := New("@every 1s", discard())
	if err != nil {
		t.Fatal(err)
	}
	var runs atomic.Int32
	j.Add("count", func(time.Time) int { runs.Add(1); return 0 })

	ctx, cancel := context.WithCancel(context.Background())
	if err := j.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	j.Stop()
	if runs.Load() == 0 {
		t.Fatalf("sweep never ran")
	}
}
