package router

import (
	"testing"

	"github.com/fabian4/edgeproxy/internal/config"
)

func TestMatch_DeclarationOrder(t *testing.T) {
	rt := New([]config.Route{
		{Name: "api", Prefix: "/api"},
		{Name: "api-v1", Prefix: "/api/v1"},
		{Name: "root", Prefix: "/"},
	})

	// first declared wins, even when a later prefix is longer
	if got := rt.Match("/api/v1/items"); got == nil || got.Name != "api" {
		t.Fatalf("want api for /api/v1/items, got %+v", got)
	}
	if got := rt.Match("/other"); got == nil || got.Name != "root" {
		t.Fatalf("want root for /other, got %+v", got)
	}
}

func TestMatch_RootFirstShadowsEverything(t *testing.T) {
	rt := New([]config.Route{
		{Name: "root", Prefix: "/"},
		{Name: "api", Prefix: "/api"},
	})
	for _, p := range []string{"/", "/api", "/api/x"} {
		if got := rt.Match(p); got == nil || got.Name != "root" {
			t.Fatalf("path %s: want root, got %+v", p, got)
		}
	}
}

func TestMatch_SegmentBoundary(t *testing.T) {
	rt := New([]config.Route{{Name: "api", Prefix: "/api"}})

	cases := map[string]bool{
		"/api":     true,
		"/api/":    true,
		"/api/v1":  true,
		"/apiary":  false,
		"/ap":      false,
		"/v1/api":  false,
		"/api?x=1": false, // raw query never reaches Match
	}
	for path, want := range cases {
		got := rt.Match(path) != nil
		if got != want {
			t.Errorf("Match(%q): got %v, want %v", path, got, want)
		}
	}
}

func TestMatch_NoRoute(t *testing.T) {
	rt := New([]config.Route{{Name: "api", Prefix: "/api"}})
	if got := rt.Match("/"); got != nil {
		t.Fatalf("want nil, got %+v", got)
	}
}

func TestPathPrefixMatch_TrailingSlashPrefix(t *testing.T) {
	if !pathPrefixMatch("/api/v1", "/api/") {
		t.Fatal("/api/ should match /api/v1")
	}
	if pathPrefixMatch("/api", "/api/") {
		t.Fatal("/api/ should not match /api")
	}
}
