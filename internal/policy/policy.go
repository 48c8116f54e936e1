// Package policy holds the request admission checks that run before routing
// and backend dispatch.
package policy

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientAddr is the caller's IP: the first X-Forwarded-For hop when
// trustForwardedFor is set and the header parses, otherwise RemoteAddr.
func ClientAddr(r *http.Request, trustForwardedFor bool) netip.Addr {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if a, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return a.Unmap()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}

// ClientIdentity is the rate-limit identity for r.
func ClientIdentity(r *http.Request, trustForwardedFor bool) string {
	if a := ClientAddr(r, trustForwardedFor); a.IsValid() {
		return a.String()
	}
	return r.RemoteAddr
}

type Blocklist struct {
	prefixes []netip.Prefix
}

func NewBlocklist(prefixes []netip.Prefix) *Blocklist {
	return &Blocklist{prefixes: prefixes}
}

func (b *Blocklist) Blocked(a netip.Addr) bool {
	if b == nil || !a.IsValid() {
		return false
	}
	for _, p := range b.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.prefixes)
}
