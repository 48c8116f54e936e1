// Package forward keeps the named http.RoundTrippers used to reach backends.
// Routes pick one by their proto field.
package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to the backend
	ProtoAuto  = "auto"  // ALPN, h2 over TLS when offered
)

type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 disables; the dispatch deadline still applies

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Registry is a threadsafe map of named RoundTrippers. Unknown names fall
// back to http1.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

func NewRegistry(opts Options) *Registry {
	r := &Registry{store: make(map[string]http.RoundTripper), opts: opts}
	r.store[ProtoHTTP1] = r.build(ProtoHTTP1, nil)
	r.store[ProtoAuto] = r.build(ProtoAuto, nil)
	return r
}

func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.store[name]; ok && rt != nil {
		return rt
	}
	return r.store[ProtoHTTP1]
}

func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = rt
	r.mu.Unlock()
}

// RegisterCustom builds a transport from the registry options with its own
// TLS config, e.g. for a backend behind a private CA or mTLS.
func (r *Registry) RegisterCustom(name string, tlsCfg *tls.Config, proto string) {
	r.Register(name, r.build(proto, tlsCfg))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.store[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.store))
	for n := range r.store {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CloseIdle drops idle keep-alive connections of every *http.Transport.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

func (r *Registry) build(proto string, tlsCfg *tls.Config) *http.Transport {
	dialer := &net.Dialer{Timeout: r.opts.DialTimeout, KeepAlive: r.opts.DialKeepAlive}
	if tlsCfg == nil {
		tlsCfg = &tls.Config{InsecureSkipVerify: r.opts.InsecureSkipVerify, RootCAs: r.opts.RootCAs}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	h2 := proto == ProtoAuto
	if !h2 {
		tlsCfg.NextProtos = []string{"http/1.1"}
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     h2,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
		ResponseHeaderTimeout: r.opts.ResponseHeaderTimeout,
	}
}
