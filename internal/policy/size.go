package policy

import (
	"net/http"

	"github.com/fabian4/edgeproxy/internal/config"
)

// CheckSize returns the rejection status for r under p, or 0 when it fits.
// Bodies of unknown length are capped separately by LimitBody.
func CheckSize(r *http.Request, p config.SizeLimitsProfile) int {
	if p.MaxURLLength > 0 && len(r.URL.RequestURI()) > p.MaxURLLength {
		return http.StatusRequestURITooLong
	}
	if p.MaxHeaderBytes > 0 && headerBytes(r.Header) > p.MaxHeaderBytes {
		return http.StatusRequestHeaderFieldsTooLarge
	}
	if p.MaxBodyBytes > 0 && r.ContentLength > p.MaxBodyBytes {
		return http.StatusRequestEntityTooLarge
	}
	return 0
}

// LimitBody wraps a body of unknown length so reading past the limit fails.
func LimitBody(w http.ResponseWriter, r *http.Request, p config.SizeLimitsProfile) {
	if p.MaxBodyBytes > 0 && r.ContentLength < 0 && r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, p.MaxBodyBytes)
	}
}

// headerBytes approximates the wire size: "Name: value\r\n" per value.
func headerBytes(h http.Header) int {
	n := 0
	for k, vs := range h {
		for _, v := range vs {
			n += len(k) + len(v) + 4
		}
	}
	return n
}
