package ratelimit

import (
	"math"
	"time"

	"github.com/fabian4/edgeproxy/internal/shard"
)

type window struct {
	count      int
	start      time.Time
	length     time.Duration
	lastAccess time.Time
}

// FixedWindow counts requests in windows aligned to multiples of the window
// length since the Unix epoch.
type FixedWindow struct {
	entries *shard.Map[*window]
	now     func() time.Time
	cap     int
}

func NewFixedWindow(opts ...Option) *FixedWindow {
	o := buildOptions(opts)
	return &FixedWindow{entries: shard.New[*window](o.shards), now: o.now, cap: perShardCap(o)}
}

func (f *FixedWindow) Check(key string, limit float64, length time.Duration) Result {
	lim := int(math.Floor(limit))
	if lim < 1 {
		lim = 1
	}
	if length <= 0 {
		length = time.Second
	}
	now := f.now()
	boundary := time.Unix(0, now.UnixNano()/int64(length)*int64(length))

	var res Result
	f.entries.With(key, func(m map[string]*window) {
		w, ok := m[key]
		if !ok {
			if len(m) >= f.cap {
				evictOldest(m, func(w *window) time.Time { return w.lastAccess })
			}
			w = &window{start: boundary, length: length}
			m[key] = w
		}
		if w.start.Before(boundary) || w.length != length {
			w.count = 0
			w.start = boundary
			w.length = length
		}
		w.lastAccess = now
		w.count++

		res = Result{Allowed: w.count <= lim, Limit: lim, Current: w.count}
		if res.Allowed {
			res.Remaining = lim - w.count
		} else {
			res.RetryAfter = ceilSeconds(boundary.Add(length).Sub(now))
		}
	})
	return res
}

// Sweep removes counters whose window has ended.
func (f *FixedWindow) Sweep(now time.Time) int {
	n := 0
	f.entries.Each(func(m map[string]*window) {
		for k, w := range m {
			if !now.Before(w.start.Add(w.length)) {
				delete(m, k)
				n++
			}
		}
	})
	return n
}

func (f *FixedWindow) Len() int { return f.entries.Len() }
