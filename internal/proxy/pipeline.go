package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fabian4/edgeproxy/internal/auth"
	"github.com/fabian4/edgeproxy/internal/cache"
	"github.com/fabian4/edgeproxy/internal/config"
	"github.com/fabian4/edgeproxy/internal/dedup"
	"github.com/fabian4/edgeproxy/internal/policy"
	"github.com/fabian4/edgeproxy/internal/ratelimit"
)

// serve runs the stages in order. Each stage either passes or writes the
// final response and records its audit class.
func (g *Gateway) serve(w *loggingResponseWriter, r *http.Request, st *GatewayState, out *outcome) {
	cfg := st.Config
	rl := cfg.RateLimit
	origin := r.Header.Get("Origin")

	if st.blocklist.Blocked(policy.ClientAddr(r, rl.TrustForwardedFor)) {
		g.reject(w, out, http.StatusForbidden, AuditBlocked, "forbidden")
		return
	}
	if st.bots != nil && st.bots.IsBot(r) {
		g.reject(w, out, http.StatusForbidden, AuditBot, "forbidden")
		return
	}

	identity := policy.ClientIdentity(r, rl.TrustForwardedFor)
	if rl.Enabled {
		res := st.limiter.Check(identity, float64(rl.RequestsPerWindow), rl.Window())
		if !res.Allowed {
			g.rateLimited(w, out, res, "global")
			return
		}
	}

	route := st.Routes.Match(r.URL.Path)
	if route == nil {
		g.reject(w, out, http.StatusNotFound, AuditNotFound, "no route")
		return
	}
	out.route = route

	if sp, ok := cfg.Features.SizeLimits.Resolve(route.SizeLimits); ok {
		if code := policy.CheckSize(r, sp); code != 0 {
			g.reject(w, out, code, AuditSizeRejected, http.StatusText(code))
			return
		}
		policy.LimitBody(w, r, sp)
	}

	if rl.Enabled {
		limit := float64(rl.RequestsPerWindow) * route.RateLimitMultiplier
		res := st.limiter.Check(identity+":"+route.Prefix, limit, rl.Window())
		if !res.Allowed {
			g.rateLimited(w, out, res, "route")
			return
		}
		res.SetHeaders(w.Header())
	}

	if !st.origins.Allow(origin) {
		g.reject(w, out, http.StatusForbidden, AuditOriginRejected, "origin not allowed")
		return
	}
	if isWebSocket(r) {
		g.reject(w, out, http.StatusNotImplemented, AuditWebSocket, "websocket upgrades are not supported")
		return
	}

	var authIdentity map[string]string
	if ap, ok := cfg.Features.Auth.Lookup(route.Auth); ok {
		d := g.auth.Run(r.Context(), r, route.Auth, ap, cfg.Features.Auth.Cache)
		if !d.Allowed {
			out.audit = AuditAuthFailed
			if d.ConfigError {
				out.audit = AuditAuthError
			}
			g.send(w, st, origin, fromAuth(d.Response))
			return
		}
		// the client never supplies headers the adapter vouches for
		for _, k := range d.OwnedHeaders {
			r.Header.Del(k)
		}
		for k, v := range d.UpstreamHeaders {
			r.Header.Set(k, v)
		}
		authIdentity = d.UpstreamHeaders
	}

	cp, cacheOn := cfg.Features.Cache.Lookup(route.Cache)
	cacheOn = cacheOn && r.Method == http.MethodGet
	if cacheOn {
		e, status := g.cache.Lookup(r.Context(), r, cp)
		out.cache = status
		g.metrics.IncCacheLookup(string(status))
		if e != nil {
			out.audit = AuditCacheHit
			if status == cache.StatusStale {
				out.audit = AuditCacheStale
			}
			g.send(w, st, origin, &dedup.Response{Status: e.StatusCode, Header: e.Header(status), Body: e.Body})
			return
		}
	}

	var call *dedup.Call
	if dp, ok := cfg.Features.Deduplication.Lookup(route.Deduplication); ok && dedup.Eligible(r) {
		c, leader := g.dedup.Acquire(dedup.Key(r, authIdentity), dp.Window())
		if !leader {
			g.join(w, r, st, out, origin, c)
			return
		}
		call = c
		// releases joiners if dispatch never resolves the call
		defer call.Abandon()
	}

	x := &exchange{
		st:     st,
		route:  route,
		origin: origin,
		out:    out,
		call:   call,
	}
	if cacheOn {
		x.cacheProfile = &cp
	}
	g.dispatch(w, r, x)
}

func (g *Gateway) join(w *loggingResponseWriter, r *http.Request, st *GatewayState, out *outcome, origin string, c *dedup.Call) {
	g.metrics.IncDedupJoin()
	resp, err := c.Wait(r.Context())
	if err != nil && !errors.Is(err, dedup.ErrAbandoned) {
		out.audit = AuditBackendTimeout
		g.send(w, st, origin, errorResponse(http.StatusGatewayTimeout, "request cancelled while waiting", ""))
		return
	}
	out.audit = AuditDedupHit
	// the leader's cookies are not the joiner's
	resp.Header.Del("Set-Cookie")
	if out.cache != "" {
		resp.Header.Set(cache.HeaderStatus, string(out.cache))
	}
	g.send(w, st, origin, resp)
}

func (g *Gateway) reject(w *loggingResponseWriter, out *outcome, status int, audit, msg string) {
	out.audit = audit
	writeJSON(w, status, map[string]string{"error": msg})
}

func (g *Gateway) rateLimited(w *loggingResponseWriter, out *outcome, res ratelimit.Result, scope string) {
	out.audit = AuditRateLimited
	g.metrics.IncRateLimited(scope)
	res.SetHeaders(w.Header())
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":      "rate limit exceeded",
		"retryAfter": res.RetryAfter,
	})
}

// send writes a buffered response with CORS headers for an admitted origin.
func (g *Gateway) send(w *loggingResponseWriter, st *GatewayState, origin string, resp *dedup.Response) {
	copyHeaders(w.Header(), resp.Header)
	st.origins.CORSHeaders(w.Header(), origin)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func errorResponse(status int, msg, target string) *dedup.Response {
	body := map[string]string{"error": msg}
	if target != "" {
		body["target"] = target
	}
	b, _ := json.Marshal(body)
	return &dedup.Response{
		Status: status,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   b,
	}
}

func fromAuth(r *auth.Response) *dedup.Response {
	h := make(http.Header)
	if r.Header != nil {
		h = r.Header.Clone()
		dropHopByHop(h)
		h.Del("Content-Length")
	}
	return &dedup.Response{Status: r.Status, Header: h, Body: r.Body}
}

// exchange carries the per-request decisions into dispatch.
type exchange struct {
	st           *GatewayState
	route        *config.Route
	origin       string
	out          *outcome
	call         *dedup.Call
	cacheProfile *config.CacheProfile
}
