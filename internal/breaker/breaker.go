// Package breaker keeps one circuit breaker per backend URL.
//
// A breaker starts CLOSED. Failures inside the trailing monitoring period
// that reach FailureThreshold open it. After Timeout the next Allow moves it
// to HALF_OPEN, which admits at most HalfOpenAttempts probes; SuccessThreshold
// probe successes close it again and any probe failure reopens it. There is
// no OPEN to CLOSED shortcut other than Reset.
package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/fabian4/edgeproxy/internal/config"
	"github.com/fabian4/edgeproxy/internal/shard"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	MonitoringPeriod time.Duration
	HalfOpenAttempts int
}

// SettingsFrom applies defaults to a profile. HalfOpenAttempts is raised to
// SuccessThreshold so a half-open breaker can always collect enough probes
// to close.
func SettingsFrom(p config.CircuitBreakerProfile) Settings {
	s := Settings{
		FailureThreshold: p.FailureThreshold,
		SuccessThreshold: p.SuccessThreshold,
		Timeout:          time.Duration(p.Timeout) * time.Millisecond,
		MonitoringPeriod: time.Duration(p.MonitoringPeriod) * time.Millisecond,
		HalfOpenAttempts: p.HalfOpenAttempts,
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.Timeout <= 0 {
		s.Timeout = 60 * time.Second
	}
	if s.MonitoringPeriod <= 0 {
		s.MonitoringPeriod = 60 * time.Second
	}
	if s.HalfOpenAttempts <= 0 {
		s.HalfOpenAttempts = 3
	}
	if s.HalfOpenAttempts < s.SuccessThreshold {
		s.HalfOpenAttempts = s.SuccessThreshold
	}
	return s
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Backend         string    `json:"backend"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	SuccessCount    int       `json:"successCount"`
	RequestsInState int       `json:"requestsInState"`
	LastStateChange time.Time `json:"lastStateChange"`
	NextAttempt     time.Time `json:"nextAttempt,omitempty"`
}

// Observer is told about every state transition while the breaker lock is
// held, so transitions of one backend arrive in order. It must not call back
// into the breaker.
type Observer func(backend string, from, to State)

type Breaker struct {
	key      string
	now      func() time.Time
	observer Observer

	mu              sync.Mutex
	settings        Settings
	state           State
	failures        []time.Time
	successCount    int
	requestsInState int
	lastStateChange time.Time
	nextAttempt     time.Time
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may be dispatched.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !now.Before(b.nextAttempt) {
			b.setState(StateHalfOpen, now)
			allowed = true
		}
	case StateHalfOpen:
		allowed = b.requestsInState < b.settings.HalfOpenAttempts
	}
	if allowed {
		b.requestsInState++
	}
	return allowed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case StateClosed:
		b.prune(now)
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	case StateOpen:
		// a straggler finishing after the breaker opened proves nothing
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.settings.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	case StateOpen:
	}
}

// Reset forces CLOSED and clears all history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.now())
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	st := Status{
		Backend:         b.key,
		State:           b.state.String(),
		Failures:        len(b.failures),
		SuccessCount:    b.successCount,
		RequestsInState: b.requestsInState,
		LastStateChange: b.lastStateChange,
	}
	if b.state == StateOpen {
		st.NextAttempt = b.nextAttempt
	}
	return st
}

// setState must be called with mu held.
func (b *Breaker) setState(to State, now time.Time) {
	from := b.state
	b.state = to
	b.lastStateChange = now
	b.requestsInState = 0
	b.successCount = 0
	b.nextAttempt = time.Time{}
	switch to {
	case StateOpen:
		b.nextAttempt = now.Add(b.settings.Timeout)
		b.failures = b.failures[:0]
	case StateClosed:
		b.failures = b.failures[:0]
	}
	if from != to && b.observer != nil {
		b.observer(b.key, from, to)
	}
}

// prune drops failures older than the monitoring period; mu must be held.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.settings.MonitoringPeriod)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// Registry lazily creates breakers keyed by backend URL. Breakers live for
// the process lifetime and survive config reloads.
type Registry struct {
	breakers *shard.Map[*Breaker]
	now      func() time.Time
	observer Observer
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func WithObserver(o Observer) Option { return func(r *Registry) { r.observer = o } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{breakers: shard.New[*Breaker](0), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the breaker for backend, creating it with the given profile.
// A reloaded profile is applied to an existing breaker without touching its
// state.
func (r *Registry) Get(backend string, p config.CircuitBreakerProfile) *Breaker {
	s := SettingsFrom(p)
	b := r.breakers.GetOrCreate(backend, func() *Breaker {
		return &Breaker{
			key:             backend,
			now:             r.now,
			observer:        r.observer,
			settings:        s,
			lastStateChange: r.now(),
		}
	})
	b.mu.Lock()
	b.settings = s
	b.mu.Unlock()
	return b
}

// Reset closes the named breaker. It reports false when none exists.
func (r *Registry) Reset(backend string) bool {
	b, ok := r.breakers.Get(backend)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

func (r *Registry) ResetAll() int {
	var all []*Breaker
	r.breakers.Each(func(m map[string]*Breaker) {
		for _, b := range m {
			all = append(all, b)
		}
	})
	for _, b := range all {
		b.Reset()
	}
	return len(all)
}

// Snapshot lists every breaker, sorted by backend.
func (r *Registry) Snapshot() []Status {
	var all []*Breaker
	r.breakers.Each(func(m map[string]*Breaker) {
		for _, b := range m {
			all = append(all, b)
		}
	})
	out := make([]Status, 0, len(all))
	for _, b := range all {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
