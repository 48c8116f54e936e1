// Package admin serves the operator endpoints: cache flush and
// invalidation, breaker status and reset, dedup stats, Prometheus metrics
// and a health check. Everything but /health requires the shared admin key.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fabian4/edgeproxy/internal/proxy"
	"github.com/fabian4/edgeproxy/internal/version"
)

type Server struct {
	gw  *proxy.Gateway
	log *slog.Logger
	mux *http.ServeMux
}

// New builds the admin handler. The key and its header are read from the
// gateway's current config on every request, so reloads apply.
func New(gw *proxy.Gateway, logger *slog.Logger) *Server {
	s := &Server{gw: gw, log: logger.With("component", "admin"), mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", s.health)
	s.mux.Handle("POST /admin/cache/flush", s.guard(s.cacheFlush))
	s.mux.Handle("POST /admin/cache/invalidate", s.guard(s.cacheInvalidate))
	s.mux.Handle("GET /admin/breakers", s.guard(s.breakers))
	s.mux.Handle("POST /admin/breakers/reset", s.guard(s.breakersReset))
	s.mux.Handle("GET /admin/dedup", s.guard(s.dedupStats))
	s.mux.Handle("GET /admin/routes", s.guard(s.routes))
	s.mux.Handle("GET /admin/metrics", s.guard(gw.Metrics().Handler().ServeHTTP))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.gw.State().Config.Admin
		if cfg.Key == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin key not configured"})
			return
		}
		got := r.Header.Get(cfg.Header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Key)) != 1 {
			s.log.Warn("admin request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin key"})
			return
		}
		next(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
		"routes":  len(s.gw.State().Config.Routes),
	})
}

func (s *Server) cacheFlush(w http.ResponseWriter, r *http.Request) {
	n, err := s.gw.Cache().Flush(r.Context())
	if err != nil {
		s.log.Error("cache flush failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "deleted": n})
		return
	}
	s.log.Info("cache flushed", "deleted", n)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) cacheInvalidate(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	if !strings.HasPrefix(prefix, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prefix must start with /"})
		return
	}
	n, err := s.gw.Cache().Invalidate(r.Context(), prefix)
	if err != nil {
		s.log.Error("cache invalidate failed", "prefix", prefix, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "deleted": n})
		return
	}
	s.log.Info("cache invalidated", "prefix", prefix, "deleted", n)
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "deleted": n})
}

func (s *Server) breakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Breakers().Snapshot())
}

// breakersReset closes one breaker, or all of them without ?backend=.
func (s *Server) breakersReset(w http.ResponseWriter, r *http.Request) {
	backend := r.URL.Query().Get("backend")
	if backend == "" {
		n := s.gw.Breakers().ResetAll()
		s.log.Info("all circuit breakers reset", "count", n)
		writeJSON(w, http.StatusOK, map[string]int{"reset": n})
		return
	}
	if !s.gw.Breakers().Reset(backend) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no breaker for backend", "backend": backend})
		return
	}
	s.log.Info("circuit breaker reset", "backend", backend)
	writeJSON(w, http.StatusOK, map[string]any{"reset": 1, "backend": backend})
}

func (s *Server) dedupStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Deduplicator().Stats())
}

type routeView struct {
	Name                string   `json:"name"`
	Prefix              string   `json:"prefix"`
	Targets             []string `json:"targets"`
	RateLimitMultiplier float64  `json:"rateLimitMultiplier"`
	Cache               string   `json:"cache,omitempty"`
	CircuitBreaker      string   `json:"circuitBreaker,omitempty"`
	Deduplication       string   `json:"deduplication,omitempty"`
	SizeLimits          string   `json:"sizeLimits,omitempty"`
	Auth                string   `json:"auth,omitempty"`
}

func (s *Server) routes(w http.ResponseWriter, _ *http.Request) {
	rs := s.gw.State().Routes.Routes()
	out := make([]routeView, 0, len(rs))
	for _, rt := range rs {
		v := routeView{
			Name:                rt.Name,
			Prefix:              rt.Prefix,
			RateLimitMultiplier: rt.RateLimitMultiplier,
			Cache:               rt.Cache,
			CircuitBreaker:      rt.CircuitBreaker,
			Deduplication:       rt.Deduplication,
			SizeLimits:          rt.SizeLimits,
			Auth:                rt.Auth,
		}
		for _, t := range rt.Targets {
			v.Targets = append(v.Targets, t.URL.String())
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
