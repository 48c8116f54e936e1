package policy

import (
	"net/http"
	"strings"
)

// OriginPolicy enforces allowedOrigins/blockedOrigins and produces CORS
// headers for admitted browser requests.
type OriginPolicy struct {
	enabled  bool
	allowAll bool
	allowed  map[string]struct{}
	blocked  map[string]struct{}
}

func NewOriginPolicy(enabled bool, allowed, blocked []string) *OriginPolicy {
	p := &OriginPolicy{
		enabled: enabled,
		allowed: make(map[string]struct{}),
		blocked: make(map[string]struct{}),
	}
	for _, o := range allowed {
		o = normalizeOrigin(o)
		if o == "*" {
			p.allowAll = true
			continue
		}
		if o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	for _, o := range blocked {
		if o = normalizeOrigin(o); o != "" {
			p.blocked[o] = struct{}{}
		}
	}
	return p
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
}

// Allow reports whether a request with this Origin may proceed. Requests
// without an Origin header always pass.
func (p *OriginPolicy) Allow(origin string) bool {
	if p == nil || !p.enabled || origin == "" {
		return true
	}
	o := normalizeOrigin(origin)
	if _, bad := p.blocked[o]; bad {
		return false
	}
	if p.allowAll {
		return true
	}
	_, ok := p.allowed[o]
	return ok
}

// CORSHeaders sets Access-Control-Allow-Origin for an allowed origin.
func (p *OriginPolicy) CORSHeaders(h http.Header, origin string) {
	if p == nil || origin == "" {
		return
	}
	o := normalizeOrigin(origin)
	if _, bad := p.blocked[o]; bad {
		return
	}
	if _, ok := p.allowed[o]; !ok && !p.allowAll {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
}
