package ratelimit

import (
	"math"
	"time"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/edgeproxy/internal/shard"
)

type bucket struct {
	lim        *ratelib.Limiter
	lastAccess time.Time
}

// TokenBucket allows bursts of up to 1.5x the limit, refilled at
// limit/window tokens per second.
type TokenBucket struct {
	entries *shard.Map[*bucket]
	now     func() time.Time
	cap     int
}

func NewTokenBucket(opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	return &TokenBucket{entries: shard.New[*bucket](o.shards), now: o.now, cap: perShardCap(o)}
}

func bucketParams(limit float64, length time.Duration) (ratelib.Limit, int) {
	burst := int(math.Floor(limit * 1.5))
	if burst < 1 {
		burst = 1
	}
	if length <= 0 {
		length = time.Second
	}
	return ratelib.Limit(limit / length.Seconds()), burst
}

func (t *TokenBucket) Check(key string, limit float64, length time.Duration) Result {
	rps, burst := bucketParams(limit, length)
	now := t.now()

	var res Result
	t.entries.With(key, func(m map[string]*bucket) {
		b, ok := m[key]
		if !ok {
			if len(m) >= t.cap {
				evictOldest(m, func(b *bucket) time.Time { return b.lastAccess })
			}
			b = &bucket{lim: ratelib.NewLimiter(rps, burst)}
			m[key] = b
		}
		// a reload may have changed the limit for this key
		if b.lim.Limit() != rps {
			b.lim.SetLimitAt(now, rps)
		}
		if b.lim.Burst() != burst {
			b.lim.SetBurstAt(now, burst)
		}
		b.lastAccess = now

		tokens := b.lim.TokensAt(now)
		res = Result{Limit: burst, Allowed: b.lim.AllowN(now, 1)}
		if res.Allowed {
			tokens--
			res.Remaining = int(math.Floor(tokens))
		} else {
			res.RetryAfter = int(math.Ceil((1 - tokens) / float64(rps)))
			if res.RetryAfter < 1 {
				res.RetryAfter = 1
			}
		}
		res.Current = burst - int(math.Floor(tokens))
	})
	return res
}

// Sweep removes buckets that have refilled completely; recreating them
// later yields the same state.
func (t *TokenBucket) Sweep(now time.Time) int {
	n := 0
	t.entries.Each(func(m map[string]*bucket) {
		for k, b := range m {
			if b.lim.TokensAt(now) >= float64(b.lim.Burst()) {
				delete(m, k)
				n++
			}
		}
	})
	return n
}

func (t *TokenBucket) Len() int { return t.entries.Len() }
