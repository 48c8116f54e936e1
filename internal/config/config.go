package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type rawTarget struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

type rawRoute struct {
	Name                string      `yaml:"name"`
	Prefix              string      `yaml:"prefix"`
	Target              string      `yaml:"target"`
	Targets             []rawTarget `yaml:"targets"`
	Proto               string      `yaml:"proto"`
	RateLimitMultiplier *float64    `yaml:"rateLimitMultiplier"`
	PreserveHost        bool        `yaml:"preserveHost"`
	HostRewrite         string      `yaml:"hostRewrite"`
	Cache               string      `yaml:"cache"`
	CircuitBreaker      string      `yaml:"circuitBreaker"`
	Deduplication       string      `yaml:"deduplication"`
	SizeLimits          string      `yaml:"sizeLimits"`
	Auth                string      `yaml:"auth"`
}

type rawConfig struct {
	Listen   string        `yaml:"listen"`
	Admin    AdminConfig   `yaml:"admin"`
	Logging  LoggingConfig `yaml:"logging"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	Store               StoreConfig       `yaml:"store"`
	Tracing             TracingConfig     `yaml:"tracing"`
	Maintenance         MaintenanceConfig `yaml:"maintenance"`
	Blocklist           []string          `yaml:"blocklist"`
	BotCheck            BotCheckConfig    `yaml:"botCheck"`
	RateLimit           RateLimitConfig   `yaml:"rateLimit"`
	AllowedOrigins      []string          `yaml:"allowedOrigins"`
	BlockedOrigins      []string          `yaml:"blockedOrigins"`
	OriginChecksEnabled bool              `yaml:"originChecksEnabled"`
	Routes              []rawRoute        `yaml:"routes"`
	Features            Features          `yaml:"features"`
}

type Config struct {
	Listen              string
	Admin               AdminConfig
	Logging             LoggingConfig
	Timeouts            Timeouts
	Store               StoreConfig
	Tracing             TracingConfig
	Maintenance         MaintenanceConfig
	Blocklist           []netip.Prefix
	BotCheck            BotCheckConfig
	RateLimit           RateLimitConfig
	AllowedOrigins      []string
	BlockedOrigins      []string
	OriginChecksEnabled bool
	Routes              []Route // declaration order, first match wins
	Features            Features
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse validates a YAML document and applies defaults.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := &Config{
		Listen:              strings.TrimSpace(rc.Listen),
		Admin:               rc.Admin,
		Logging:             rc.Logging,
		Store:               rc.Store,
		Tracing:             rc.Tracing,
		Maintenance:         rc.Maintenance,
		BotCheck:            rc.BotCheck,
		RateLimit:           rc.RateLimit,
		AllowedOrigins:      rc.AllowedOrigins,
		BlockedOrigins:      rc.BlockedOrigins,
		OriginChecksEnabled: rc.OriginChecksEnabled,
		Features:            rc.Features,
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Admin.Header == "" {
		c.Admin.Header = "X-Admin-Key"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Maintenance.SweepSchedule == "" {
		c.Maintenance.SweepSchedule = "@every 30s"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "edgeproxy"
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1.0
	}

	// store
	c.Store.Type = strings.ToLower(strings.TrimSpace(c.Store.Type))
	switch c.Store.Type {
	case "":
		c.Store.Type = "memory"
	case "memory":
	case "redis", "postgres":
		if c.Store.URL == "" {
			return nil, fmt.Errorf("store: url is required for type %q", c.Store.Type)
		}
	case "sqlite":
		if c.Store.Path == "" {
			return nil, fmt.Errorf("store: path is required for type sqlite")
		}
	default:
		return nil, fmt.Errorf("store: unknown type %q", c.Store.Type)
	}

	// rate limit
	rl := &c.RateLimit
	if rl.Algorithm == "" {
		rl.Algorithm = AlgorithmFixedWindow
	}
	switch rl.Algorithm {
	case AlgorithmFixedWindow, AlgorithmTokenBucket:
	default:
		return nil, fmt.Errorf("rateLimit: unknown algorithm %q", rl.Algorithm)
	}
	if rl.Enabled && (rl.RequestsPerWindow <= 0 || rl.WindowSeconds <= 0) {
		return nil, fmt.Errorf("rateLimit: requestsPerWindow and windowSeconds must be positive")
	}
	if rl.MaxEntries <= 0 {
		rl.MaxEntries = 10000
	}

	// blocklist
	for i, s := range rc.Blocklist {
		p, err := parsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("blocklist[%d]: %w", i, err)
		}
		c.Blocklist = append(c.Blocklist, p)
	}

	// auth profiles must name an adapter; whether it is registered is a
	// request-time concern
	for name, p := range c.Features.Auth.Profiles {
		if strings.TrimSpace(p.Adapter) == "" {
			return nil, fmt.Errorf("features.auth.profiles.%s: adapter is required", name)
		}
	}

	// routes
	if len(rc.Routes) == 0 {
		return nil, fmt.Errorf("routes: at least one is required")
	}
	for i, r := range rc.Routes {
		rt, err := buildRoute(i, r)
		if err != nil {
			return nil, err
		}
		c.Routes = append(c.Routes, rt)
	}

	// timeouts
	var err error
	if c.Timeouts.Read, err = parseDuration("timeouts.read", rc.Timeouts.Read, 0); err != nil {
		return nil, err
	}
	if c.Timeouts.Write, err = parseDuration("timeouts.write", rc.Timeouts.Write, 0); err != nil {
		return nil, err
	}
	if c.Timeouts.Upstream, err = parseDuration("timeouts.upstream", rc.Timeouts.Upstream, 120*time.Second); err != nil {
		return nil, err
	}

	return c, nil
}

func buildRoute(i int, r rawRoute) (Route, error) {
	pfx := strings.TrimSpace(r.Prefix)
	if !strings.HasPrefix(pfx, "/") {
		return Route{}, fmt.Errorf("routes[%d]: prefix must start with '/'", i)
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = pfx
	}

	raw := r.Targets
	if t := strings.TrimSpace(r.Target); t != "" {
		raw = append([]rawTarget{{URL: t, Weight: 1}}, raw...)
	}
	if len(raw) == 0 {
		return Route{}, fmt.Errorf("routes[%d]: target is required", i)
	}
	var targets []Target
	for j, t := range raw {
		u, err := parseTarget(t.URL)
		if err != nil {
			return Route{}, fmt.Errorf("routes[%d].targets[%d]: %v", i, j, err)
		}
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		targets = append(targets, Target{URL: u, Weight: w})
	}

	mult := 1.0
	if r.RateLimitMultiplier != nil {
		if *r.RateLimitMultiplier <= 0 {
			return Route{}, fmt.Errorf("routes[%d]: rateLimitMultiplier must be positive", i)
		}
		mult = *r.RateLimitMultiplier
	}
	proto := strings.ToLower(strings.TrimSpace(r.Proto))
	if proto == "" {
		proto = "http1"
	}

	return Route{
		Name:                name,
		Prefix:              pfx,
		Target:              targets[0].URL,
		Targets:             targets,
		Proto:               proto,
		RateLimitMultiplier: mult,
		PreserveHost:        r.PreserveHost,
		HostRewrite:         strings.TrimSpace(r.HostRewrite),
		Cache:               strings.TrimSpace(r.Cache),
		CircuitBreaker:      strings.TrimSpace(r.CircuitBreaker),
		Deduplication:       strings.TrimSpace(r.Deduplication),
		SizeLimits:          strings.TrimSpace(r.SizeLimits),
		Auth:                strings.TrimSpace(r.Auth),
	}, nil
}

func parseTarget(s string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("must be http(s) URL with host")
	}
	return u, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	return d, nil
}
