package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxForwardBody = 64 << 10

// Forward delegates the decision to an external HTTP service. A 2xx answer
// admits the request; anything else is relayed to the client unchanged.
//
// Fields: url (required), forwardHeaders (default Authorization, Cookie),
// upstreamHeaders (default X-Auth-Identity), timeoutMs (default 5000).
type Forward struct {
	client *http.Client
}

func NewForward(d Deps) Adapter {
	rt := d.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Forward{client: &http.Client{
		Transport: rt,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (*Forward) Name() string { return "forward" }

var (
	defaultForwardHeaders  = []string{"Authorization", "Cookie"}
	defaultUpstreamHeaders = []string{"X-Auth-Identity"}
)

func (*Forward) OwnedHeaders(p Profile) []string {
	return stringsField(p, "upstreamHeaders", defaultUpstreamHeaders)
}

func (*Forward) CacheKey(r *http.Request, p Profile) (string, bool) {
	h := sha256.New()
	seen := false
	for _, name := range stringsField(p, "forwardHeaders", defaultForwardHeaders) {
		v := r.Header.Get(name)
		if v != "" {
			seen = true
		}
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(v))
		h.Write([]byte{'\n'})
	}
	if !seen {
		return "", false
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

func (f *Forward) Verify(ctx context.Context, r *http.Request, p Profile) (*Result, error) {
	target := stringField(p, "url", "")
	if target == "" {
		return nil, &ConfigError{Profile: p.Name, Field: "url", Reason: "required"}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(intField(p, "timeoutMs", 5000))*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ConfigError{Profile: p.Name, Field: "url", Reason: err.Error()}
	}
	for _, name := range stringsField(p, "forwardHeaders", defaultForwardHeaders) {
		for _, v := range r.Header.Values(name) {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("X-Forwarded-Method", r.Method)
	req.Header.Set("X-Forwarded-Uri", r.URL.RequestURI())
	if r.Host != "" {
		req.Header.Set("X-Forwarded-Host", r.Host)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward auth %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxForwardBody))
	if err != nil {
		return nil, fmt.Errorf("forward auth %s: read body: %w", target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Result{Success: false, Response: &Response{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   body,
		}}, nil
	}
	up := make(map[string]string)
	for _, name := range stringsField(p, "upstreamHeaders", defaultUpstreamHeaders) {
		if v := resp.Header.Get(name); v != "" {
			up[name] = v
		}
	}
	return &Result{Success: true, UpstreamHeaders: up}, nil
}
