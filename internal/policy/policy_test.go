package policy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/fabian4/edgeproxy/internal/config"
)

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:4321"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := ClientIdentity(r, false); got != "10.0.0.5" {
		t.Fatalf("untrusted: got %s, want 10.0.0.5", got)
	}
	if got := ClientIdentity(r, true); got != "203.0.113.9" {
		t.Fatalf("trusted: got %s, want 203.0.113.9", got)
	}

	r.Header.Set("X-Forwarded-For", "garbage")
	if got := ClientIdentity(r, true); got != "10.0.0.5" {
		t.Fatalf("bad XFF falls back: got %s", got)
	}

	r.RemoteAddr = "[::ffff:192.0.2.1]:80"
	r.Header.Del("X-Forwarded-For")
	if got := ClientAddr(r, false); got != netip.MustParseAddr("192.0.2.1") {
		t.Fatalf("v4-mapped: got %s", got)
	}
}

func TestBlocklist(t *testing.T) {
	b := NewBlocklist([]netip.Prefix{
		netip.MustParsePrefix("203.0.113.0/24"),
		netip.MustParsePrefix("2001:db8::/32"),
	})
	cases := map[string]bool{
		"203.0.113.77": true,
		"203.0.114.1":  false,
		"2001:db8::1":  true,
		"2001:db9::1":  false,
	}
	for ip, want := range cases {
		if got := b.Blocked(netip.MustParseAddr(ip)); got != want {
			t.Errorf("%s: got %v, want %v", ip, got, want)
		}
	}
	if (*Blocklist)(nil).Blocked(netip.MustParseAddr("1.1.1.1")) {
		t.Error("nil blocklist blocks nothing")
	}
}

func TestUserAgentCheck(t *testing.T) {
	if NewBotCheck(config.BotCheckConfig{Enabled: false}) != nil {
		t.Fatal("disabled check should be nil")
	}
	bc := NewBotCheck(config.BotCheckConfig{Enabled: true, BlockedUserAgents: []string{"BadBot", "scrapy"}, BlockEmpty: true})

	for ua, want := range map[string]bool{
		"Mozilla/5.0":            false,
		"badbot/1.2 (+http://x)": true,
		"Scrapy/2.11":            true,
		"":                       true,
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("User-Agent", ua)
		if got := bc.IsBot(r); got != want {
			t.Errorf("UA %q: got %v, want %v", ua, got, want)
		}
	}
}

func TestCheckSize(t *testing.T) {
	p := config.SizeLimitsProfile{MaxBodyBytes: 10, MaxURLLength: 20, MaxHeaderBytes: 100}

	r := httptest.NewRequest(http.MethodPost, "/ok", strings.NewReader("small"))
	if got := CheckSize(r, p); got != 0 {
		t.Fatalf("within limits: got %d", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/ok", strings.NewReader("this body is too large"))
	if got := CheckSize(r, p); got != http.StatusRequestEntityTooLarge {
		t.Fatalf("body: got %d, want 413", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/a/very/long/path?with=query", nil)
	if got := CheckSize(r, p); got != http.StatusRequestURITooLong {
		t.Fatalf("url: got %d, want 414", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ok", nil)
	r.Header.Set("X-Big", strings.Repeat("x", 200))
	if got := CheckSize(r, p); got != http.StatusRequestHeaderFieldsTooLarge {
		t.Fatalf("headers: got %d, want 431", got)
	}

	if got := CheckSize(r, config.SizeLimitsProfile{}); got != 0 {
		t.Fatalf("zero profile disables checks: got %d", got)
	}
}

func TestLimitBody_UnknownLength(t *testing.T) {
	p := config.SizeLimitsProfile{MaxBodyBytes: 4}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	r.ContentLength = -1
	w := httptest.NewRecorder()

	LimitBody(w, r, p)
	if _, err := io.ReadAll(r.Body); err == nil {
		t.Fatal("reading past the limit should fail")
	}
}

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy(true, []string{"https://app.test"}, []string{"https://evil.test"})

	cases := map[string]bool{
		"":                   true,
		"https://app.test":   true,
		"https://APP.test/":  true,
		"https://evil.test":  false,
		"https://other.test": false,
	}
	for origin, want := range cases {
		if got := p.Allow(origin); got != want {
			t.Errorf("Allow(%q): got %v, want %v", origin, got, want)
		}
	}

	h := http.Header{}
	p.CORSHeaders(h, "https://app.test")
	if h.Get("Access-Control-Allow-Origin") != "https://app.test" || h.Get("Vary") != "Origin" {
		t.Fatalf("CORS headers: %v", h)
	}
	h = http.Header{}
	p.CORSHeaders(h, "https://other.test")
	if h.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("CORS header set for a foreign origin")
	}

	if !NewOriginPolicy(false, nil, []string{"https://evil.test"}).Allow("https://evil.test") {
		t.Fatal("disabled policy must allow everything")
	}
	if !NewOriginPolicy(true, []string{"*"}, nil).Allow("https://any.test") {
		t.Fatal("wildcard should allow any origin")
	}
}
