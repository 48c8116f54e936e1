// Package ratelimit holds the per-identity request limiters. State is
// instance-local: limits are not shared between proxy instances.
package ratelimit

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/fabian4/edgeproxy/internal/config"
	"github.com/fabian4/edgeproxy/internal/shard"
)

// Result is the outcome of one Check.
type Result struct {
	Allowed    bool
	RetryAfter int // whole seconds, only meaningful when !Allowed
	Limit      int
	Remaining  int
	Current    int
}

// SetHeaders writes the X-RateLimit-* headers, plus Retry-After on rejection.
func (r Result) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	if !r.Allowed {
		h.Set("Retry-After", strconv.Itoa(r.RetryAfter))
	}
}

type Limiter interface {
	// Check consumes one request for key against limit per window.
	Check(key string, limit float64, window time.Duration) Result
	// Sweep drops state that no longer affects any decision.
	Sweep(now time.Time) int
	Len() int
}

type Option func(*options)

type options struct {
	now        func() time.Time
	maxEntries int
	shards     int
}

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithMaxEntries bounds the tracked keys; the cap is split across shards.
func WithMaxEntries(n int) Option { return func(o *options) { o.maxEntries = n } }

func WithShards(n int) Option { return func(o *options) { o.shards = n } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now, maxEntries: 10000, shards: shard.DefaultCount}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func perShardCap(o options) int {
	n := o.maxEntries / o.shards
	if n < 1 {
		n = 1
	}
	return n
}

// New returns the limiter selected by cfg.Algorithm.
func New(cfg config.RateLimitConfig, opts ...Option) Limiter {
	opts = append([]Option{WithMaxEntries(cfg.MaxEntries)}, opts...)
	if cfg.Algorithm == config.AlgorithmTokenBucket {
		return NewTokenBucket(opts...)
	}
	return NewFixedWindow(opts...)
}

// evictOldest removes the least recently used quarter of a full shard.
func evictOldest[V any](entries map[string]V, lastAccess func(V) time.Time) {
	type kv struct {
		key string
		at  time.Time
	}
	all := make([]kv, 0, len(entries))
	for k, v := range entries {
		all = append(all, kv{k, lastAccess(v)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	n := len(all) / 4
	if n < 1 {
		n = 1
	}
	for _, e := range all[:n] {
		delete(entries, e.key)
	}
}

func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
