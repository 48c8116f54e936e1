package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fabian4/edgeproxy/internal/breaker"
	"github.com/fabian4/edgeproxy/internal/cache"
	"github.com/fabian4/edgeproxy/internal/dedup"
)

// dispatch sends r to the route's next target under the breaker gate and
// the upstream timeout, then writes the answer.
func (g *Gateway) dispatch(w *loggingResponseWriter, r *http.Request, x *exchange) {
	cfg := x.st.Config
	route := x.route

	ep := x.st.balancers[route.Prefix].Next()
	if ep == nil {
		g.fail(w, x, http.StatusServiceUnavailable, AuditBackendError, "no healthy target", route.Target.String())
		return
	}
	base := ep.URL()
	backend := base.String()

	var br *breaker.Breaker
	if bp, ok := cfg.Features.CircuitBreaker.Lookup(route.CircuitBreaker); ok {
		br = g.breakers.Get(backend, bp)
		if !br.Allow() {
			g.fail(w, x, http.StatusServiceUnavailable, AuditCircuitOpen, "circuit open", backend)
			return
		}
	}

	u := new(url.URL)
	*u = *base
	u.Path = rewritePath(base.Path, route.Prefix, r.URL.Path)
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	target := u.String()
	x.out.target = target

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)

	ctx := r.Context()
	if cfg.Timeouts.Upstream > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeouts.Upstream)
		defer cancel()
	}
	g.tracer.Inject(ctx, hdr)

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		g.fail(w, x, http.StatusBadGateway, AuditBackendError, "invalid upstream request", target)
		return
	}
	reqUp.Header = hdr
	reqUp.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		reqUp.Body = http.NoBody
	}

	// Host policy
	switch {
	case route.HostRewrite != "":
		reqUp.Host = route.HostRewrite
	case route.PreserveHost:
		reqUp.Host = r.Host
	default:
		reqUp.Host = base.Host
	}

	resUp, err := g.transports.Get(route.Proto).RoundTrip(reqUp)
	if err != nil {
		ep.Feedback(false)
		if br != nil {
			br.RecordFailure()
		}
		if isTimeout(ctx, err) {
			g.fail(w, x, http.StatusGatewayTimeout, AuditBackendTimeout, "backend timeout", target)
			return
		}
		g.log.Warn("upstream error", "target", target, "error", err)
		g.fail(w, x, http.StatusServiceUnavailable, AuditBackendError, "backend unavailable", target)
		return
	}
	defer func() { _ = resUp.Body.Close() }()

	failed := resUp.StatusCode >= 500
	// exactly one verdict per dispatch
	record := func(ok bool) {
		ep.Feedback(ok)
		if br == nil {
			return
		}
		if ok {
			br.RecordSuccess()
		} else {
			br.RecordFailure()
		}
	}

	dropHopByHop(resUp.Header)
	if x.cacheProfile != nil {
		resUp.Header.Set(cache.HeaderStatus, string(x.out.cache))
	}
	x.out.audit = AuditProxied

	storable := false
	if x.cacheProfile != nil {
		_, storable = cache.TTL(*x.cacheProfile, resUp.StatusCode, resUp.Header)
	}
	if !storable && x.call == nil {
		record(!failed)
		g.stream(w, x, resUp)
		return
	}

	// the verdict waits for the body on the buffered path
	body, err := io.ReadAll(resUp.Body)
	record(err == nil && !failed)
	if err != nil {
		if isTimeout(ctx, err) {
			g.fail(w, x, http.StatusGatewayTimeout, AuditBackendTimeout, "backend timeout", target)
			return
		}
		g.fail(w, x, http.StatusServiceUnavailable, AuditBackendError, "backend response truncated", target)
		return
	}
	resp := &dedup.Response{Status: resUp.StatusCode, Header: resUp.Header, Body: body}
	if storable {
		g.cache.Store(r.Context(), r, *x.cacheProfile, route.Name, resp.Status, resp.Header, body)
	}
	if x.call != nil {
		x.call.Resolve(resp)
	}
	g.send(w, x.st, x.origin, resp)
}

// stream copies the upstream response through without buffering it.
func (g *Gateway) stream(w *loggingResponseWriter, x *exchange, resUp *http.Response) {
	copyHeaders(w.Header(), resUp.Header)
	x.st.origins.CORSHeaders(w.Header(), x.origin)

	// Announce trailers if any
	if len(resUp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		w.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	w.Flush()

	if _, err := io.Copy(w, resUp.Body); err != nil {
		g.log.Debug("response copy interrupted", "target", x.out.target, "error", err)
	}

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

// fail answers with a JSON error naming the attempted target and hands the
// same answer to any joiners.
func (g *Gateway) fail(w *loggingResponseWriter, x *exchange, status int, audit, msg, target string) {
	x.out.audit = audit
	if x.out.target == "" {
		x.out.target = target
	}
	resp := errorResponse(status, msg, target)
	if x.call != nil {
		x.call.Resolve(resp.Clone())
	}
	g.send(w, x.st, x.origin, resp)
}

// isTimeout treats a cancelled dispatch like a deadline: both end in 504.
func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
