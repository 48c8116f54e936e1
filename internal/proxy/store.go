package proxy

import (
	"context"
	"time"

	"github.com/fabian4/edgeproxy/internal/kvstore"
	"github.com/fabian4/edgeproxy/internal/metrics"
)

// meteredStore counts backing store errors per component. The callers
// already absorb them, so without this they would only show up in logs.
type meteredStore struct {
	kvstore.Store
	component string
	metrics   *metrics.Registry
}

func (s meteredStore) count(err error) error {
	if err != nil {
		s.metrics.IncStoreError(s.component)
	}
	return err
}

func (s meteredStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := s.Store.Get(ctx, key)
	return v, ok, s.count(err)
}

func (s meteredStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.count(s.Store.Put(ctx, key, value, ttl))
}

func (s meteredStore) Delete(ctx context.Context, key string) error {
	return s.count(s.Store.Delete(ctx, key))
}

func (s meteredStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.Store.List(ctx, prefix)
	return keys, s.count(err)
}
