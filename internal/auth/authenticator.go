package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fabian4/edgeproxy/internal/config"
	"github.com/fabian4/edgeproxy/internal/kvstore"
)

const (
	cacheKeyPrefix  = "auth:"
	defaultCacheTTL = 300 * time.Second
)

// Decision is what the pipeline acts on. When Allowed is false Response is
// always set.
type Decision struct {
	Allowed         bool
	UpstreamHeaders map[string]string
	// OwnedHeaders must be removed from the client's request before
	// UpstreamHeaders are merged.
	OwnedHeaders []string
	Response     *Response
	Cached       bool
	// ConfigError marks a 500 caused by configuration rather than the caller.
	ConfigError bool
}

type cachedDecision struct {
	Success         bool              `json:"success"`
	UpstreamHeaders map[string]string `json:"upstreamHeaders"`
}

type Authenticator struct {
	registry *Registry
	store    kvstore.Store
	log      *slog.Logger
	wg       sync.WaitGroup
}

// NewAuthenticator wires the registry to the decision cache; store may be
// nil to disable caching.
func NewAuthenticator(reg *Registry, store kvstore.Store, logger *slog.Logger) *Authenticator {
	return &Authenticator{registry: reg, store: store, log: logger.With("component", "auth")}
}

// Run authenticates r against the named profile.
func (a *Authenticator) Run(ctx context.Context, r *http.Request, name string, prof config.AuthProfile, cacheCfg config.AuthCacheConfig) Decision {
	adapter, ok := a.registry.Lookup(prof.Adapter)
	if !ok {
		a.log.Error("unknown auth adapter", "profile", name, "adapter", prof.Adapter)
		return configFailure(fmt.Sprintf("auth profile %q uses unknown adapter %q", name, prof.Adapter))
	}
	p := Profile{Name: name, Fields: prof.Fields}
	d := a.run(ctx, r, name, adapter, p, prof, cacheCfg)
	if ho, ok := adapter.(HeaderOwner); ok {
		d.OwnedHeaders = ho.OwnedHeaders(p)
	}
	return d
}

func (a *Authenticator) run(ctx context.Context, r *http.Request, name string, adapter Adapter, p Profile, prof config.AuthProfile, cacheCfg config.AuthCacheConfig) Decision {
	var storeKey string
	if cacheCfg.Enabled && a.store != nil {
		if k, ok := adapter.CacheKey(r, p); ok {
			storeKey = cacheKeyPrefix + name + ":" + k
			if d, hit := a.lookup(ctx, storeKey); hit {
				return d
			}
		}
	}

	res, err := a.verify(ctx, adapter, r, p)
	if err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			a.log.Error("auth profile misconfigured", "profile", name, "error", err)
			return configFailure(cerr.Error())
		}
		a.log.Warn("auth adapter failed", "profile", name, "adapter", prof.Adapter, "error", err)
		return Decision{Response: unauthorized()}
	}
	if res == nil {
		return Decision{Response: unauthorized()}
	}
	if !res.Success {
		if res.Response != nil {
			return Decision{Response: res.Response}
		}
		return Decision{Response: unauthorized()}
	}

	if storeKey != "" {
		a.persist(ctx, storeKey, res, ttlFor(prof, cacheCfg))
	}
	return Decision{Allowed: true, UpstreamHeaders: res.UpstreamHeaders}
}

// verify converts adapter panics into errors.
func (a *Authenticator) verify(ctx context.Context, adapter Adapter, r *http.Request, p Profile) (res *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("adapter %s panicked: %v", adapter.Name(), rec)
		}
	}()
	return adapter.Verify(ctx, r, p)
}

func (a *Authenticator) lookup(ctx context.Context, key string) (Decision, bool) {
	raw, ok, err := a.store.Get(ctx, key)
	if err != nil {
		a.log.Warn("auth cache read failed", "error", err)
		return Decision{}, false
	}
	if !ok {
		return Decision{}, false
	}
	var cd cachedDecision
	if err := json.Unmarshal(raw, &cd); err != nil || !cd.Success {
		return Decision{}, false
	}
	return Decision{Allowed: true, UpstreamHeaders: cd.UpstreamHeaders, Cached: true}, true
}

func (a *Authenticator) persist(ctx context.Context, key string, res *Result, ttl time.Duration) {
	raw, err := json.Marshal(cachedDecision{Success: true, UpstreamHeaders: res.UpstreamHeaders})
	if err != nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		wctx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()
		if err := a.store.Put(wctx, key, raw, ttl); err != nil {
			a.log.Warn("auth cache write failed", "error", err)
		}
	}()
}

// Wait blocks until pending decision-cache writes finish.
func (a *Authenticator) Wait() { a.wg.Wait() }

func ttlFor(p config.AuthProfile, c config.AuthCacheConfig) time.Duration {
	if p.CacheTTLSeconds > 0 {
		return time.Duration(p.CacheTTLSeconds) * time.Second
	}
	if c.TTLSeconds > 0 {
		return time.Duration(c.TTLSeconds) * time.Second
	}
	return defaultCacheTTL
}

func unauthorized() *Response {
	return jsonResponse(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func configFailure(msg string) Decision {
	return Decision{
		Response:    jsonResponse(http.StatusInternalServerError, map[string]string{"error": msg}),
		ConfigError: true,
	}
}

func jsonResponse(status int, v any) *Response {
	b, _ := json.Marshal(v)
	return &Response{
		Status: status,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   b,
	}
}
