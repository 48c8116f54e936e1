// Package kvstore is the backing key-value store shared by the response cache
// and the auth decision cache. Callers treat every error as a degradation,
// never as a request failure.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fabian4/edgeproxy/internal/config"
)

var ErrClosed = errors.New("kvstore: closed")

type Store interface {
	// Get returns the value and true, or false when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value; ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// List returns every live key starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Sweeper is implemented by backends that need periodic expiry cleanup.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedisFromURL(ctx, cfg.URL, cfg.KeyPrefix)
	case "sqlite":
		return NewSQLite(ctx, cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("kvstore: unsupported type %q", cfg.Type)
	}
}
