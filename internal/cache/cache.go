// Package cache is the response cache. Entries are JSON documents in the
// backing kvstore and are served fresh, stale (within the
// stale-while-revalidate window) or not at all.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fabian4/edgeproxy/internal/config"
	"github.com/fabian4/edgeproxy/internal/kvstore"
)

const KeyPrefix = "cache:"

// Status values reported in the X-Cache-Status header.
type Status string

const (
	StatusHit    Status = "HIT"
	StatusStale  Status = "STALE"
	StatusMiss   Status = "MISS"
	StatusBypass Status = "BYPASS"
)

const HeaderStatus = "X-Cache-Status"

type Entry struct {
	StatusCode  int         `json:"statusCode"`
	StatusText  string      `json:"statusText"`
	Headers     http.Header `json:"headers"`
	Body        []byte      `json:"body"`
	CachedAt    time.Time   `json:"cachedAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	SourceRoute string      `json:"sourceRoute"`
}

type Cache struct {
	store        kvstore.Store
	log          *slog.Logger
	now          func() time.Time
	writeTimeout time.Duration
	wg           sync.WaitGroup
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func New(store kvstore.Store, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:        store,
		log:          logger.With("component", "cache"),
		now:          time.Now,
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key builds the storage key: method, request URI, the profile's vary
// headers in name order and, when configured, the caller identity.
func Key(r *http.Request, p config.CacheProfile) string {
	var b strings.Builder
	b.WriteString(KeyPrefix)
	b.WriteString(r.Method)
	b.WriteByte(':')
	b.WriteString(r.URL.RequestURI())

	names := make([]string, 0, len(p.VaryBy))
	for _, n := range p.VaryBy {
		names = append(names, strings.ToLower(strings.TrimSpace(n)))
	}
	sort.Strings(names)
	for _, n := range names {
		b.WriteByte('|')
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(r.Header.Get(n))
	}
	if p.IdentityHeader != "" {
		if id := r.Header.Get(p.IdentityHeader); id != "" {
			b.WriteString("|id=")
			b.WriteString(id)
		}
	}
	return b.String()
}

// Lookup returns a servable entry with HIT or STALE, or nil with MISS or
// BYPASS. Store errors are logged and read as a miss.
func (c *Cache) Lookup(ctx context.Context, r *http.Request, p config.CacheProfile) (*Entry, Status) {
	if p.BypassHeader != "" && r.Header.Get(p.BypassHeader) != "" {
		return nil, StatusBypass
	}
	key := Key(r, p)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache read failed", "key", key, "error", err)
		return nil, StatusMiss
	}
	if !ok {
		return nil, StatusMiss
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.Warn("cache entry corrupt", "key", key, "error", err)
		c.delete(ctx, key)
		return nil, StatusMiss
	}

	now := c.now()
	if !now.After(e.ExpiresAt) {
		return &e, StatusHit
	}
	if !now.After(e.ExpiresAt.Add(p.StaleWhileRevalidate())) {
		return &e, StatusStale
	}
	c.delete(ctx, key)
	return nil, StatusMiss
}

func (c *Cache) delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Warn("cache delete failed", "key", key, "error", err)
	}
}

// TTL reports how long a response may be cached under p, or false when it
// must not be stored.
func TTL(p config.CacheProfile, status int, h http.Header) (time.Duration, bool) {
	if !p.Cacheable(status) {
		return 0, false
	}
	ttl := p.TTL()
	if p.RespectCacheControl {
		d := parseCacheControl(h.Get("Cache-Control"))
		if d.noStore || d.noCache || d.private {
			return 0, false
		}
		switch {
		case d.sMaxAge != nil:
			ttl = *d.sMaxAge
		case d.maxAge != nil:
			ttl = *d.maxAge
		}
	}
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

// Store writes the response in the background when it is eligible and
// reports whether a write was scheduled. The write never affects the
// response already being served.
func (c *Cache) Store(ctx context.Context, r *http.Request, p config.CacheProfile, route string, status int, h http.Header, body []byte) bool {
	ttl, ok := TTL(p, status, h)
	if !ok {
		return false
	}
	key := Key(r, p)
	now := c.now()
	e := Entry{
		StatusCode:  status,
		StatusText:  http.StatusText(status),
		Headers:     h.Clone(),
		Body:        body,
		CachedAt:    now,
		ExpiresAt:   now.Add(ttl),
		SourceRoute: route,
	}
	e.Headers.Del(HeaderStatus)
	// per-client; never replayed from a shared entry
	e.Headers.Del("Set-Cookie")
	raw, err := json.Marshal(e)
	if err != nil {
		c.log.Warn("cache encode failed", "key", key, "error", err)
		return false
	}

	// outlive the stale window so the read at its last instant still finds it
	storeTTL := ttl + p.StaleWhileRevalidate() + time.Second
	bg := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		wctx, cancel := context.WithTimeout(bg, c.writeTimeout)
		defer cancel()
		if err := c.store.Put(wctx, key, raw, storeTTL); err != nil {
			c.log.Warn("cache write failed", "key", key, "error", err)
		}
	}()
	return true
}

// Wait blocks until every scheduled write has finished.
func (c *Cache) Wait() { c.wg.Wait() }

// Flush deletes every cached response.
func (c *Cache) Flush(ctx context.Context) (int, error) {
	return c.Invalidate(ctx, "")
}

// Invalidate deletes cached responses whose request path starts with
// pathPrefix, for every method and variant.
func (c *Cache) Invalidate(ctx context.Context, pathPrefix string) (int, error) {
	keys, err := c.store.List(ctx, KeyPrefix)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if pathPrefix != "" && !strings.HasPrefix(uriOf(k), pathPrefix) {
			continue
		}
		if err := c.store.Delete(ctx, k); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// uriOf extracts the request URI from "cache:METHOD:/uri|vary=...".
func uriOf(key string) string {
	rest := strings.TrimPrefix(key, KeyPrefix)
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return ""
	}
	rest = rest[i+1:]
	if j := strings.IndexByte(rest, '|'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// Header returns a copy of the entry headers with the cache status set.
func (e *Entry) Header(st Status) http.Header {
	h := e.Headers.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(HeaderStatus, string(st))
	return h
}
