package remote

import (
	"context"
	"errors"
	"time"

	"github.com/prn-tf/ndn-sync/internal/ndn"
	"github.com/prn-tf/ndn-sync/internal/repository"
)

// CachedReader is a read-through cache in front of an NdnReader.
// Content-addressed objects are immutable, so cached headers can only
// expire, never go stale. Chunk bytes bypass the cache; they are large
// and read once.
type CachedReader struct {
	inner NdnReader
	cache repository.Cache
	ttl   time.Duration
}

// NewCachedReader wraps a reader with an object-header cache.
func NewCachedReader(inner NdnReader, cache repository.Cache, ttl time.Duration) *CachedReader {
	return &CachedReader{inner: inner, cache: cache, ttl: ttl}
}

func (r *CachedReader) getThrough(ctx context.Context, id ndn.ObjId, fetch func() ([]byte, error)) ([]byte, error) {
	key := id.String()
	if cached, err := r.cache.Get(ctx, key); err == nil {
		return cached, nil
	} else if !errors.Is(err, repository.ErrCacheMiss) {
		return nil, err
	}

	raw, err := fetch()
	if err != nil {
		return nil, err
	}
	// A failed cache write only costs a refetch later.
	_ = r.cache.Set(ctx, key, raw, r.ttl)
	return raw, nil
}

// GetObject returns object JSON through the cache.
func (r *CachedReader) GetObject(ctx context.Context, id ndn.ObjId) ([]byte, error) {
	return r.getThrough(ctx, id, func() ([]byte, error) {
		return r.inner.GetObject(ctx, id)
	})
}

// GetContainer returns container JSON through the cache.
func (r *CachedReader) GetContainer(ctx context.Context, id ndn.ObjId) ([]byte, error) {
	return r.getThrough(ctx, id, func() ([]byte, error) {
		return r.inner.GetContainer(ctx, id)
	})
}

// GetChunk passes chunk reads straight through.
func (r *CachedReader) GetChunk(ctx context.Context, id ndn.ChunkId) ([]byte, error) {
	return r.inner.GetChunk(ctx, id)
}

// Ensure CachedReader implements the pull interface.
var _ NdnReader = (*CachedReader)(nil)
