package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequest(t *testing.T) {
	r := NewRegistry()
	r.ObserveRequest("/api", "GET", 200, "proxied", 15*time.Millisecond)
	r.ObserveRequest("/api", "GET", 200, "proxied", 5*time.Millisecond)
	r.ObserveRequest("", "GET", 404, "not_found", time.Millisecond)

	if got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("/api", "GET", "200", "proxied")); got != 2 {
		t.Fatalf("requests_total: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("none", "GET", "404", "not_found")); got != 1 {
		t.Fatalf("unrouted requests_total: got %v, want 1", got)
	}
	if n := testutil.CollectAndCount(r.requestDuration); n != 2 {
		t.Fatalf("duration series: got %d, want 2", n)
	}
}

func TestBreakerAndCounters(t *testing.T) {
	r := NewRegistry()
	r.SetBreakerState("http://b", 1, "OPEN")
	r.SetBreakerState("http://b", 2, "HALF_OPEN")
	if got := testutil.ToFloat64(r.breakerState.WithLabelValues("http://b")); got != 2 {
		t.Fatalf("breaker state: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.breakerChanges.WithLabelValues("http://b", "OPEN")); got != 1 {
		t.Fatalf("transitions to OPEN: got %v, want 1", got)
	}

	r.IncCacheLookup("HIT")
	r.IncRateLimited("route")
	r.IncDedupJoin()
	r.IncStoreError("cache")
	if testutil.ToFloat64(r.cacheLookups.WithLabelValues("HIT")) != 1 ||
		testutil.ToFloat64(r.rateLimited.WithLabelValues("route")) != 1 ||
		testutil.ToFloat64(r.dedupJoins) != 1 ||
		testutil.ToFloat64(r.storeErrors.WithLabelValues("cache")) != 1 {
		t.Fatal("counter not incremented")
	}
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.ObserveRequest("/api", "GET", 200, "proxied", time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`edgeproxy_requests_total{audit="proxied",method="GET",route="/api",status="200"} 1`,
		"edgeproxy_request_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
