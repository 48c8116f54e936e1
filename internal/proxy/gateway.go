// Package proxy is the request pipeline: admission policy, routing, rate
// limiting, auth, caching, coalescing, circuit breaking and dispatch to the
// matched backend.
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fabian4/edgeproxy/internal/auth"
	"github.com/fabian4/edgeproxy/internal/breaker"
	"github.com/fabian4/edgeproxy/internal/cache"
	"github.com/fabian4/edgeproxy/internal/config"
	"github.com/fabian4/edgeproxy/internal/dedup"
	fwd "github.com/fabian4/edgeproxy/internal/forward"
	"github.com/fabian4/edgeproxy/internal/kvstore"
	"github.com/fabian4/edgeproxy/internal/lb"
	"github.com/fabian4/edgeproxy/internal/metrics"
	"github.com/fabian4/edgeproxy/internal/policy"
	"github.com/fabian4/edgeproxy/internal/ratelimit"
	"github.com/fabian4/edgeproxy/internal/router"
	"github.com/fabian4/edgeproxy/internal/tracing"
)

const HeaderRequestID = "X-Request-ID"

// Audit classes, one per terminal state of a request.
const (
	AuditBlocked        = "blocked"
	AuditBot            = "bot"
	AuditRateLimited    = "rate_limited"
	AuditNotFound       = "not_found"
	AuditSizeRejected   = "size_rejected"
	AuditOriginRejected = "origin_rejected"
	AuditWebSocket      = "websocket"
	AuditAuthFailed     = "auth_failed"
	AuditAuthError      = "auth_error"
	AuditCacheHit       = "cache_hit"
	AuditCacheStale     = "cache_stale"
	AuditDedupHit       = "dedup_hit"
	AuditCircuitOpen    = "circuit_open"
	AuditBackendTimeout = "backend_timeout"
	AuditBackendError   = "backend_error"
	AuditProxied        = "proxied"
)

// GatewayState is everything derived from one config. It is replaced as a
// whole on reload.
type GatewayState struct {
	Config    *config.Config
	Routes    *router.Table
	balancers map[string]lb.Balancer // by route prefix
	blocklist *policy.Blocklist
	bots      policy.BotCheck
	origins   *policy.OriginPolicy
	limiter   ratelimit.Limiter
}

type Gateway struct {
	stateMu sync.RWMutex
	state   *GatewayState

	transports *fwd.Registry
	store      kvstore.Store
	cache      *cache.Cache
	breakers   *breaker.Registry
	dedup      *dedup.Deduplicator
	auth       *auth.Authenticator
	metrics    *metrics.Registry
	tracer     *tracing.Tracer
	log        *slog.Logger
	now        func() time.Time
}

type Option func(*Gateway)

// WithStore sets the backing store for the response and auth caches.
// The caller keeps ownership and closes it.
func WithStore(s kvstore.Store) Option { return func(g *Gateway) { g.store = s } }

func WithTransports(r *fwd.Registry) Option { return func(g *Gateway) { g.transports = r } }

func WithMetrics(m *metrics.Registry) Option { return func(g *Gateway) { g.metrics = m } }

func WithTracer(t *tracing.Tracer) Option { return func(g *Gateway) { g.tracer = t } }

func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.log = l } }

// WithClock drives every time-based subsystem; tests use it to step time.
func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

// New builds a gateway for cfg. Unset options get in-process defaults.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{now: time.Now}
	for _, o := range opts {
		o(g)
	}
	if g.log == nil {
		g.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if g.store == nil {
		g.store = kvstore.NewMemoryWithClock(g.now)
	}
	if g.transports == nil {
		g.transports = fwd.NewDefaultRegistry()
	}
	if g.metrics == nil {
		g.metrics = metrics.NewRegistry()
	}
	if g.tracer == nil {
		t, err := tracing.New(context.Background(), config.TracingConfig{})
		if err != nil {
			return nil, err
		}
		g.tracer = t
	}

	g.cache = cache.New(meteredStore{g.store, "cache", g.metrics}, g.log, cache.WithClock(g.now))
	g.breakers = breaker.NewRegistry(breaker.WithClock(g.now), breaker.WithObserver(g.onBreakerChange))
	g.dedup = dedup.New(dedup.WithClock(g.now))
	authReg := auth.NewRegistry(auth.Deps{Transport: g.transports.Get(fwd.ProtoHTTP1)}, auth.Builtins...)
	g.auth = auth.NewAuthenticator(authReg, meteredStore{g.store, "auth", g.metrics}, g.log)

	g.state = g.buildState(cfg, nil)
	return g, nil
}

func (g *Gateway) buildState(cfg *config.Config, prev *GatewayState) *GatewayState {
	st := &GatewayState{
		Config:    cfg,
		Routes:    router.New(cfg.Routes),
		balancers: make(map[string]lb.Balancer, len(cfg.Routes)),
		blocklist: policy.NewBlocklist(cfg.Blocklist),
		bots:      policy.NewBotCheck(cfg.BotCheck),
		origins:   policy.NewOriginPolicy(cfg.OriginChecksEnabled, cfg.AllowedOrigins, cfg.BlockedOrigins),
	}
	for _, rt := range cfg.Routes {
		if _, dup := st.balancers[rt.Prefix]; !dup {
			st.balancers[rt.Prefix] = lb.New(rt.Targets, lb.DefaultHealth())
		}
	}
	// limiter state survives a reload unless its shape changed
	if prev != nil &&
		prev.Config.RateLimit.Algorithm == cfg.RateLimit.Algorithm &&
		prev.Config.RateLimit.MaxEntries == cfg.RateLimit.MaxEntries {
		st.limiter = prev.limiter
	} else {
		st.limiter = ratelimit.New(cfg.RateLimit, ratelimit.WithClock(g.now))
	}
	return st
}

// UpdateState swaps in a reloaded config. Breakers, dedup calls and, when
// the algorithm is unchanged, rate limit counters carry over.
func (g *Gateway) UpdateState(cfg *config.Config) {
	g.stateMu.Lock()
	g.state = g.buildState(cfg, g.state)
	g.stateMu.Unlock()
}

func (g *Gateway) current() *GatewayState {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.state
}

// State returns the state serving new requests.
func (g *Gateway) State() *GatewayState { return g.current() }

func (g *Gateway) Cache() *cache.Cache               { return g.cache }
func (g *Gateway) Breakers() *breaker.Registry       { return g.breakers }
func (g *Gateway) Deduplicator() *dedup.Deduplicator { return g.dedup }
func (g *Gateway) Metrics() *metrics.Registry        { return g.metrics }

// Sweep drops expired limiter windows and stale dedup calls.
func (g *Gateway) Sweep(now time.Time) int {
	return g.current().limiter.Sweep(now) + g.dedup.Sweep(now)
}

// Wait blocks until background cache and auth-cache writes finish.
func (g *Gateway) Wait() {
	g.cache.Wait()
	g.auth.Wait()
}

func (g *Gateway) onBreakerChange(backend string, from, to breaker.State) {
	g.metrics.SetBreakerState(backend, int(to), to.String())
	g.log.Warn("circuit breaker state change", "backend", backend, "from", from.String(), "to", to.String())
}

// outcome is what the access log and metrics see for one request.
type outcome struct {
	requestID string
	route     *config.Route
	target    string
	audit     string
	cache     cache.Status
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := g.current()
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}

	id := r.Header.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(HeaderRequestID, id)
	}
	lw.Header().Set(HeaderRequestID, id)

	ctx, span := g.tracer.Start(r, "edgeproxy.request")
	defer span.End()
	r = r.WithContext(ctx)

	out := &outcome{requestID: id}
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		g.logRequest(ctx, r, out, status, d, lw.bytes)

		var routeName string
		if out.route != nil {
			routeName = out.route.Name
		}
		g.metrics.ObserveRequest(routeName, r.Method, status, out.audit, d)
		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.Int("http.response.status_code", status),
			attribute.String("edgeproxy.audit", out.audit),
			attribute.String("edgeproxy.route", routeName),
		)
	}()

	g.serve(lw, r, st, out)
}

func (g *Gateway) logRequest(ctx context.Context, r *http.Request, out *outcome, status int, d time.Duration, bytes int64) {
	level := slog.LevelInfo
	switch out.audit {
	case AuditBackendTimeout, AuditBackendError, AuditCircuitOpen:
		level = slog.LevelWarn
	case AuditAuthError:
		level = slog.LevelError
	}
	var prefix string
	if out.route != nil {
		prefix = out.route.Prefix
	}
	g.log.LogAttrs(ctx, level, "request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Int64("duration_ms", d.Milliseconds()),
		slog.String("prefix", prefix),
		slog.String("target", out.target),
		slog.String("audit", out.audit),
		slog.String("request_id", out.requestID),
		slog.String("cache", string(out.cache)),
		slog.Int64("bytes", bytes),
	)
}
