package policy

import (
	"net/http"
	"strings"

	"github.com/fabian4/edgeproxy/internal/config"
)

// BotCheck decides whether a request comes from an unwanted automated client.
type BotCheck interface {
	IsBot(r *http.Request) bool
}

// UserAgentCheck matches case-insensitive substrings of the User-Agent.
type UserAgentCheck struct {
	patterns   []string
	blockEmpty bool
}

// NewBotCheck returns nil when the check is disabled.
func NewBotCheck(cfg config.BotCheckConfig) BotCheck {
	if !cfg.Enabled {
		return nil
	}
	c := &UserAgentCheck{blockEmpty: cfg.BlockEmpty}
	for _, p := range cfg.BlockedUserAgents {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.patterns = append(c.patterns, p)
		}
	}
	return c
}

func (c *UserAgentCheck) IsBot(r *http.Request) bool {
	ua := strings.ToLower(r.UserAgent())
	if ua == "" {
		return c.blockEmpty
	}
	for _, p := range c.patterns {
		if strings.Contains(ua, p) {
			return true
		}
	}
	return false
}
