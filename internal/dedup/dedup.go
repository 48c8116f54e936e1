// Package dedup coalesces identical in-flight GET and HEAD requests: the
// first caller (the leader) goes to the backend, later identical callers
// (joiners) wait for its buffered result and receive their own copy.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabian4/edgeproxy/internal/shard"
)

// ErrAbandoned is returned to joiners whose leader gave up without a result.
var ErrAbandoned = errors.New("dedup: leader abandoned request")

// resolveGrace keeps a resolved call visible briefly so callers arriving
// right after resolution still share it.
const resolveGrace = 100 * time.Millisecond

// Response is a fully buffered upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{Status: r.Status, Header: r.Header.Clone(), Body: body}
}

// Eligible reports whether r may be coalesced at all.
func Eligible(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

var keyHeaders = []string{"Accept", "Accept-Language", "Content-Type", "Authorization"}

// Key hashes everything that can change the upstream answer. identity holds
// the headers an auth decision adds upstream; callers authenticated as
// different principals never share a call.
func Key(r *http.Request, identity map[string]string) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{'\n'})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{'\n'})
	h.Write([]byte(r.URL.RawQuery))
	for _, name := range keyHeaders {
		h.Write([]byte{'\n'})
		h.Write([]byte(r.Header.Get(name)))
	}
	names := make([]string, 0, len(identity))
	for name := range identity {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte{'\n'})
		h.Write([]byte(http.CanonicalHeaderKey(name)))
		h.Write([]byte{'='})
		h.Write([]byte(identity[name]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Call is one in-flight upstream request shared by a leader and its joiners.
type Call struct {
	key          string
	registeredAt time.Time
	window       time.Duration
	owner        *Deduplicator

	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

// Resolve publishes the leader's final response. Only the first call has
// any effect.
func (c *Call) Resolve(resp *Response) {
	c.finish(resp, nil)
}

// Abandon resolves the call with a 502 if the leader never produced a
// response. Safe to defer unconditionally after Resolve.
func (c *Call) Abandon() {
	c.finish(&Response{
		Status: http.StatusBadGateway,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"error":"upstream request abandoned"}`),
	}, ErrAbandoned)
}

func (c *Call) finish(resp *Response, err error) {
	c.once.Do(func() {
		c.resp = resp
		c.err = err
		close(c.done)
		time.AfterFunc(resolveGrace, func() { c.owner.remove(c) })
	})
}

// Wait blocks until the leader resolves and returns an independent copy of
// its response.
func (c *Call) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.resp.Clone(), c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Stats struct {
	InFlight int    `json:"inFlight"`
	Leaders  uint64 `json:"leaders"`
	Joins    uint64 `json:"joins"`
}

type Deduplicator struct {
	calls   *shard.Map[*Call]
	now     func() time.Time
	leaders atomic.Uint64
	joins   atomic.Uint64
}

type Option func(*Deduplicator)

func WithClock(now func() time.Time) Option { return func(d *Deduplicator) { d.now = now } }

func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{calls: shard.New[*Call](0), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Acquire returns the call registered under key and whether the caller is
// its leader. A leader must eventually Resolve or Abandon the call.
func (d *Deduplicator) Acquire(key string, window time.Duration) (*Call, bool) {
	if window <= 0 {
		window = 5 * time.Second
	}
	var (
		call   *Call
		leader bool
	)
	d.calls.With(key, func(m map[string]*Call) {
		if c, ok := m[key]; ok {
			call = c
			return
		}
		call = &Call{key: key, registeredAt: d.now(), window: window, owner: d, done: make(chan struct{})}
		m[key] = call
		leader = true
	})
	if leader {
		d.leaders.Add(1)
	} else {
		d.joins.Add(1)
	}
	return call, leader
}

func (d *Deduplicator) remove(c *Call) {
	d.calls.With(c.key, func(m map[string]*Call) {
		if m[c.key] == c {
			delete(m, c.key)
		}
	})
}

// Sweep drops calls registered longer ago than their window. Unresolved
// ones are abandoned so their joiners are released.
func (d *Deduplicator) Sweep(now time.Time) int {
	var stale []*Call
	d.calls.Each(func(m map[string]*Call) {
		for k, c := range m {
			if now.Sub(c.registeredAt) > c.window {
				delete(m, k)
				stale = append(stale, c)
			}
		}
	})
	for _, c := range stale {
		c.Abandon()
	}
	return len(stale)
}

func (d *Deduplicator) Stats() Stats {
	return Stats{InFlight: d.calls.Len(), Leaders: d.leaders.Load(), Joins: d.joins.Load()}
}
