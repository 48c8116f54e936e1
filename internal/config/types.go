package config

import (
	"net/url"
	"time"
)

// Route maps a path prefix to one or more backend targets plus the names of
// the feature profiles it opts into.
type Route struct {
	Name                string
	Prefix              string   // must start with "/"
	Target              *url.URL // first (or only) target
	Targets             []Target // normalized, non-empty
	Proto               string   // forward registry name, "http1" by default
	RateLimitMultiplier float64  // 1.0 when unset
	PreserveHost        bool
	HostRewrite         string // optional; if set, overrides PreserveHost

	// profile references, empty => feature off for this route
	Cache          string
	CircuitBreaker string
	Deduplication  string
	SizeLimits     string
	Auth           string
}

type Target struct {
	URL    *url.URL
	Weight int // 0 means default (1)
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

type AdminConfig struct {
	Listen string `yaml:"listen"`
	Key    string `yaml:"key"`
	Header string `yaml:"header"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the backing key-value store shared by the response
// cache and the auth decision cache.
type StoreConfig struct {
	Type      string `yaml:"type"` // memory | redis | sqlite | postgres
	URL       string `yaml:"url"`
	Path      string `yaml:"path"`
	KeyPrefix string `yaml:"keyPrefix"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type MaintenanceConfig struct {
	SweepSchedule string `yaml:"sweepSchedule"`
}

type BotCheckConfig struct {
	Enabled           bool     `yaml:"enabled"`
	BlockedUserAgents []string `yaml:"blockedUserAgents"`
	BlockEmpty        bool     `yaml:"blockEmpty"`
}

// Rate limiting algorithms.
const (
	AlgorithmFixedWindow = "fixed-window"
	AlgorithmTokenBucket = "token-bucket"
)

type RateLimitConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Algorithm         string `yaml:"algorithm"`
	RequestsPerWindow int    `yaml:"requestsPerWindow"`
	WindowSeconds     int    `yaml:"windowSeconds"`
	MaxEntries        int    `yaml:"maxEntries"`
	TrustForwardedFor bool   `yaml:"trustForwardedFor"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Feature is a globally switchable feature with named profiles.
type Feature[P any] struct {
	Enabled  bool         `yaml:"enabled"`
	Profiles map[string]P `yaml:"profiles"`
}

// Lookup returns the named profile when the feature is enabled and the
// profile exists. Anything else means "feature off", never an error.
func (f Feature[P]) Lookup(name string) (P, bool) {
	var zero P
	if !f.Enabled || name == "" {
		return zero, false
	}
	p, ok := f.Profiles[name]
	return p, ok
}

type SizeLimitsFeature struct {
	Feature[SizeLimitsProfile] `yaml:",inline"`
	Default                    string `yaml:"default"`
}

// Resolve falls back to the default profile when the route names none.
func (f SizeLimitsFeature) Resolve(name string) (SizeLimitsProfile, bool) {
	if name == "" {
		name = f.Default
	}
	return f.Lookup(name)
}

type AuthCacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttlSeconds"`
}

type AuthFeature struct {
	Feature[AuthProfile] `yaml:",inline"`
	Cache                AuthCacheConfig `yaml:"cache"`
}

type Features struct {
	Cache          Feature[CacheProfile]          `yaml:"cache"`
	CircuitBreaker Feature[CircuitBreakerProfile] `yaml:"circuitBreaker"`
	Deduplication  Feature[DeduplicationProfile]  `yaml:"deduplication"`
	SizeLimits     SizeLimitsFeature              `yaml:"sizeLimits"`
	Auth           AuthFeature                    `yaml:"auth"`
}

// DefaultCacheableStatuses is used when a cache profile does not list its own.
var DefaultCacheableStatuses = []int{200, 203, 204, 206, 300, 301, 404, 405, 410, 414, 501}

type CacheProfile struct {
	TTLSeconds                  int      `yaml:"ttlSeconds"`
	StaleWhileRevalidateSeconds int      `yaml:"staleWhileRevalidateSeconds"`
	VaryBy                      []string `yaml:"varyBy"`
	RespectCacheControl         bool     `yaml:"respectCacheControl"`
	CacheableStatuses           []int    `yaml:"cacheableStatuses"`
	BypassHeader                string   `yaml:"bypassHeader"`
	IdentityHeader              string   `yaml:"identityHeader"`
}

func (p CacheProfile) TTL() time.Duration {
	if p.TTLSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(p.TTLSeconds) * time.Second
}

func (p CacheProfile) StaleWhileRevalidate() time.Duration {
	if p.StaleWhileRevalidateSeconds <= 0 {
		return 0
	}
	return time.Duration(p.StaleWhileRevalidateSeconds) * time.Second
}

func (p CacheProfile) Cacheable(status int) bool {
	statuses := p.CacheableStatuses
	if len(statuses) == 0 {
		statuses = DefaultCacheableStatuses
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// CircuitBreakerProfile durations are expressed in milliseconds.
type CircuitBreakerProfile struct {
	FailureThreshold int   `yaml:"failureThreshold"`
	SuccessThreshold int   `yaml:"successThreshold"`
	Timeout          int64 `yaml:"timeout"`
	MonitoringPeriod int64 `yaml:"monitoringPeriod"`
	HalfOpenAttempts int   `yaml:"halfOpenAttempts"`
}

type DeduplicationProfile struct {
	WindowMs int64 `yaml:"windowMs"`
}

func (p DeduplicationProfile) Window() time.Duration {
	if p.WindowMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.WindowMs) * time.Millisecond
}

// SizeLimitsProfile: zero disables the individual check.
type SizeLimitsProfile struct {
	MaxBodyBytes   int64 `yaml:"maxBodyBytes"`
	MaxURLLength   int   `yaml:"maxUrlLength"`
	MaxHeaderBytes int   `yaml:"maxHeaderBytes"`
}

// AuthProfile names an adapter; every other key is adapter specific.
type AuthProfile struct {
	Adapter         string         `yaml:"adapter"`
	CacheTTLSeconds int            `yaml:"cacheTtlSeconds"`
	Fields          map[string]any `yaml:",inline"`
}
