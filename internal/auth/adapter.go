// Package auth runs pluggable authentication adapters in front of the
// backend and caches successful decisions in the shared kvstore.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
)

// Response is a complete HTTP answer an adapter wants the client to see.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Result is an adapter's verdict. UpstreamHeaders are added to the request
// forwarded to the backend on success; Response, when set on failure, is
// returned to the client verbatim.
type Result struct {
	Success         bool
	UpstreamHeaders map[string]string
	Response        *Response
}

// Profile is a named auth profile as seen by an adapter.
type Profile struct {
	Name   string
	Fields map[string]any
}

// Adapter implementations must be safe for concurrent use and must not read
// the request body.
type Adapter interface {
	Name() string
	// CacheKey returns a key identifying the presented credentials, or false
	// when the decision must not be cached.
	CacheKey(r *http.Request, p Profile) (string, bool)
	Verify(ctx context.Context, r *http.Request, p Profile) (*Result, error)
}

// HeaderOwner is implemented by adapters that set upstream headers. The
// pipeline strips the owned headers from the inbound request, so a client can
// never supply them itself.
type HeaderOwner interface {
	OwnedHeaders(p Profile) []string
}

// ConfigError reports a broken profile. It maps to 500, never to 401.
type ConfigError struct {
	Profile string
	Field   string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("auth profile %q: field %q: %s", e.Profile, e.Field, e.Reason)
}

// Deps are the shared resources handed to adapter constructors.
type Deps struct {
	Transport http.RoundTripper
}

type Constructor func(Deps) Adapter

// Builtins is the build-time adapter list.
var Builtins = []Constructor{NewAPIKey, NewForward}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(deps Deps, ctors ...Constructor) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(ctors))}
	for _, c := range ctors {
		a := c(deps)
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Lookup(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// field helpers over the loosely typed profile map

func stringField(p Profile, key, def string) string {
	if v, ok := p.Fields[key].(string); ok && v != "" {
		return v
	}
	return def
}

func stringsField(p Profile, key string, def []string) []string {
	raw, ok := p.Fields[key].([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func stringMapField(p Profile, key string) (map[string]string, bool) {
	raw, ok := p.Fields[key].(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case int:
			out[k] = strconv.Itoa(tv)
		default:
			out[k] = fmt.Sprint(tv)
		}
	}
	return out, true
}

func intField(p Profile, key string, def int) int {
	switch v := p.Fields[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}
