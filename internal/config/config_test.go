package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTmp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return fp
}

func TestLoad_Minimal(t *testing.T) {
	yml := `
listen: ":8080"
routes:
  - prefix: /api
    target: "https://svc.test"
`
	cfg, err := Load(writeTmp(t, yml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.Listen, ":8080"; got != want {
		t.Fatalf("listen: got %q, want %q", got, want)
	}
	if len(cfg.Routes) != 1 {
		t.Fatalf("routes len: got %d, want 1", len(cfg.Routes))
	}
	rt := cfg.Routes[0]
	if rt.Prefix != "/api" || rt.Name != "/api" {
		t.Fatalf("route: got prefix=%q name=%q", rt.Prefix, rt.Name)
	}
	if rt.Target.Host != "svc.test" {
		t.Fatalf("target host: got %q, want svc.test", rt.Target.Host)
	}
	if rt.RateLimitMultiplier != 1.0 {
		t.Fatalf("multiplier: got %v, want 1.0", rt.RateLimitMultiplier)
	}
	if cfg.Timeouts.Upstream != 120*time.Second {
		t.Fatalf("upstream timeout default: got %v, want 120s", cfg.Timeouts.Upstream)
	}
	if cfg.Store.Type != "memory" {
		t.Fatalf("store type default: got %q, want memory", cfg.Store.Type)
	}
	if cfg.RateLimit.Algorithm != AlgorithmFixedWindow {
		t.Fatalf("algorithm default: got %q", cfg.RateLimit.Algorithm)
	}
}

func TestLoad_DeclarationOrderKept(t *testing.T) {
	yml := `
routes:
  - prefix: /
    target: "http://a:80"
  - prefix: /api
    target: "http://b:80"
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Routes[0].Prefix != "/" || cfg.Routes[1].Prefix != "/api" {
		t.Fatalf("routes reordered: %q, %q", cfg.Routes[0].Prefix, cfg.Routes[1].Prefix)
	}
}

func TestLoad_WeightedTargets(t *testing.T) {
	yml := `
routes:
  - prefix: /
    targets:
      - { url: "http://e1:80" }
      - { url: "http://e2:80", weight: 5 }
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ts := cfg.Routes[0].Targets
	if len(ts) != 2 {
		t.Fatalf("want 2 targets, got %d", len(ts))
	}
	if ts[0].Weight != 1 {
		t.Errorf("e1 weight: got %d, want 1", ts[0].Weight)
	}
	if ts[1].Weight != 5 {
		t.Errorf("e2 weight: got %d, want 5", ts[1].Weight)
	}
}

func TestLoad_Features(t *testing.T) {
	yml := `
routes:
  - prefix: /api
    target: "http://e1:80"
    rateLimitMultiplier: 0.2
    cache: short
    circuitBreaker: strict
    deduplication: missing
    auth: keys
rateLimit:
  enabled: true
  requestsPerWindow: 5
  windowSeconds: 60
features:
  cache:
    enabled: true
    profiles:
      short: { ttlSeconds: 10, staleWhileRevalidateSeconds: 5, varyBy: [Accept] }
  circuitBreaker:
    enabled: false
    profiles:
      strict: { failureThreshold: 3, timeout: 60000 }
  deduplication:
    enabled: true
    profiles:
      default: { windowMs: 1000 }
  sizeLimits:
    enabled: true
    default: std
    profiles:
      std: { maxBodyBytes: 1024, maxUrlLength: 200 }
  auth:
    enabled: true
    cache: { enabled: true, ttlSeconds: 30 }
    profiles:
      keys:
        adapter: apikey
        header: X-Key
        keys: { k1: alice }
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rt := cfg.Routes[0]
	if rt.RateLimitMultiplier != 0.2 {
		t.Fatalf("multiplier: got %v, want 0.2", rt.RateLimitMultiplier)
	}

	cp, ok := cfg.Features.Cache.Lookup(rt.Cache)
	if !ok {
		t.Fatalf("cache profile %q should be active", rt.Cache)
	}
	if cp.TTL() != 10*time.Second || cp.StaleWhileRevalidate() != 5*time.Second {
		t.Fatalf("cache profile: ttl=%v swr=%v", cp.TTL(), cp.StaleWhileRevalidate())
	}
	if !cp.Cacheable(404) || cp.Cacheable(500) {
		t.Fatalf("default cacheable statuses not applied")
	}

	// globally disabled feature => off even though the profile exists
	if _, ok := cfg.Features.CircuitBreaker.Lookup(rt.CircuitBreaker); ok {
		t.Fatalf("circuit breaker should be off when the feature is disabled")
	}
	// unknown profile => off, not an error
	if _, ok := cfg.Features.Deduplication.Lookup(rt.Deduplication); ok {
		t.Fatalf("dedup should be off for an unknown profile")
	}

	sp, ok := cfg.Features.SizeLimits.Resolve(rt.SizeLimits)
	if !ok || sp.MaxBodyBytes != 1024 || sp.MaxURLLength != 200 {
		t.Fatalf("size limits default profile: ok=%v %+v", ok, sp)
	}

	ap, ok := cfg.Features.Auth.Lookup(rt.Auth)
	if !ok {
		t.Fatalf("auth profile should be active")
	}
	if ap.Adapter != "apikey" {
		t.Fatalf("adapter: got %q, want apikey", ap.Adapter)
	}
	if ap.Fields["header"] != "X-Key" {
		t.Fatalf("adapter field header: got %v", ap.Fields["header"])
	}
	if _, leaked := ap.Fields["adapter"]; leaked {
		t.Fatalf("known keys must not appear in adapter fields")
	}
	if !cfg.Features.Auth.Cache.Enabled || cfg.Features.Auth.Cache.TTLSeconds != 30 {
		t.Fatalf("auth cache: %+v", cfg.Features.Auth.Cache)
	}
}

func TestLoad_Blocklist(t *testing.T) {
	yml := `
blocklist: ["203.0.113.0/24", "198.51.100.7"]
routes:
  - prefix: /
    target: "http://e1:80"
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Blocklist) != 2 {
		t.Fatalf("blocklist len: got %d, want 2", len(cfg.Blocklist))
	}
	if cfg.Blocklist[1].Bits() != 32 {
		t.Fatalf("single address should become /32, got /%d", cfg.Blocklist[1].Bits())
	}
}

func TestLoad_Timeouts(t *testing.T) {
	yml := `
routes:
  - prefix: /
    target: "http://e1:80"
timeouts:
  read: 1s
  write: 2m
  upstream: 500ms
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Timeouts.Read.Seconds() != 1 {
		t.Errorf("read timeout: got %v, want 1s", cfg.Timeouts.Read)
	}
	if cfg.Timeouts.Write.Minutes() != 2 {
		t.Errorf("write timeout: got %v, want 2m", cfg.Timeouts.Write)
	}
	if cfg.Timeouts.Upstream.Milliseconds() != 500 {
		t.Errorf("upstream timeout: got %v, want 500ms", cfg.Timeouts.Upstream)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"bad prefix": `
routes:
  - prefix: api
    target: "http://e1:80"
`,
		"missing target": `
routes:
  - prefix: /api
`,
		"non-http target": `
routes:
  - prefix: /api
    target: "ftp://e1"
`,
		"no routes": `
listen: ":8080"
`,
		"bad algorithm": `
rateLimit: { algorithm: leaky }
routes:
  - prefix: /
    target: "http://e1:80"
`,
		"redis without url": `
store: { type: redis }
routes:
  - prefix: /
    target: "http://e1:80"
`,
		"auth profile without adapter": `
features:
  auth:
    enabled: true
    profiles:
      p1: { header: X-Key }
routes:
  - prefix: /
    target: "http://e1:80"
`,
		"negative multiplier": `
routes:
  - prefix: /
    target: "http://e1:80"
    rateLimitMultiplier: -1
`,
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(yml)); err == nil {
				t.Fatalf("want error")
			}
		})
	}
}

func TestWatch_Reload(t *testing.T) {
	fp := writeTmp(t, `
routes:
  - prefix: /v1
    target: "http://e1:80"
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Watch(ctx, fp, logger, func(c *Config) { got <- c }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// an invalid config must not be applied
	if err := os.WriteFile(fp, []byte("routes: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDebounce)

	if err := os.WriteFile(fp, []byte(`
routes:
  - prefix: /v2
    target: "http://e2:80"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Routes[0].Prefix != "/v2" {
			t.Fatalf("reloaded prefix: got %q, want /v2", c.Routes[0].Prefix)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
