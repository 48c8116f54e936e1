package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// APIKey authenticates a static key presented in a request header.
//
// Fields: header (default X-API-Key), keys (key -> identity, required),
// identityHeader (default X-Auth-Identity).
type APIKey struct{}

func NewAPIKey(Deps) Adapter { return APIKey{} }

func (APIKey) Name() string { return "apikey" }

func (APIKey) OwnedHeaders(p Profile) []string {
	return []string{stringField(p, "identityHeader", "X-Auth-Identity")}
}

func (APIKey) CacheKey(r *http.Request, p Profile) (string, bool) {
	key := r.Header.Get(stringField(p, "header", "X-API-Key"))
	if key == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]), true
}

func (APIKey) Verify(_ context.Context, r *http.Request, p Profile) (*Result, error) {
	keys, ok := stringMapField(p, "keys")
	if !ok || len(keys) == 0 {
		return nil, &ConfigError{Profile: p.Name, Field: "keys", Reason: "required"}
	}
	presented := r.Header.Get(stringField(p, "header", "X-API-Key"))
	if presented == "" {
		return &Result{Success: false}, nil
	}
	identity, ok := keys[presented]
	if !ok {
		return &Result{Success: false}, nil
	}
	return &Result{
		Success:         true,
		UpstreamHeaders: map[string]string{stringField(p, "identityHeader", "X-Auth-Identity"): identity},
	}, nil
}
