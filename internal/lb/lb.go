// Package lb spreads a route's traffic across its weighted targets.
package lb

import (
	"net/url"
	"sync"
	"time"

	"github.com/fabian4/edgeproxy/internal/config"
)

type Balancer interface {
	Next() Endpoint
}

type Endpoint interface {
	URL() *url.URL
	Feedback(success bool)
}

// Health tunes passive health: a target failing MaxFails times in a row is
// skipped for Cooldown.
type Health struct {
	MaxFails int
	Cooldown time.Duration
}

func DefaultHealth() Health { return Health{MaxFails: 3, Cooldown: 10 * time.Second} }

type smoothWRR struct {
	mu     sync.Mutex
	peers  []*peer
	health Health
	now    func() time.Time
}

type peer struct {
	url           *url.URL
	weight        int
	currentWeight int

	fails     int
	skipUntil time.Time
}

// NewSmoothWRR builds an nginx-style smooth weighted round robin.
func NewSmoothWRR(targets []config.Target, h Health) Balancer {
	return newSmoothWRR(targets, h, time.Now)
}

func newSmoothWRR(targets []config.Target, h Health, now func() time.Time) *smoothWRR {
	if h.MaxFails <= 0 {
		h.MaxFails = DefaultHealth().MaxFails
	}
	if h.Cooldown <= 0 {
		h.Cooldown = DefaultHealth().Cooldown
	}
	peers := make([]*peer, len(targets))
	for i, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		peers[i] = &peer{url: t.URL, weight: w}
	}
	return &smoothWRR{peers: peers, health: h, now: now}
}

// Next returns nil only when every target is cooling down.
func (b *smoothWRR) Next() Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var best *peer
	total := 0
	for _, p := range b.peers {
		if !p.skipUntil.IsZero() && now.Before(p.skipUntil) {
			continue
		}
		p.currentWeight += p.weight
		total += p.weight
		if best == nil || p.currentWeight > best.currentWeight {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	best.currentWeight -= total
	return &peerEndpoint{p: best, b: b}
}

type peerEndpoint struct {
	p *peer
	b *smoothWRR
}

func (e *peerEndpoint) URL() *url.URL { return e.p.url }

func (e *peerEndpoint) Feedback(success bool) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if success {
		e.p.fails = 0
		e.p.skipUntil = time.Time{}
		return
	}
	e.p.fails++
	if e.p.fails >= e.b.health.MaxFails {
		e.p.skipUntil = e.b.now().Add(e.b.health.Cooldown)
	}
}

// single is the fast path for the common one-target route.
type single struct{ u *url.URL }

func (s single) Next() Endpoint      { return s }
func (s single) URL() *url.URL       { return s.u }
func (single) Feedback(success bool) {}

// New picks the cheapest balancer for targets.
func New(targets []config.Target, h Health) Balancer {
	if len(targets) == 1 {
		return single{u: targets[0].URL}
	}
	return NewSmoothWRR(targets, h)
}
