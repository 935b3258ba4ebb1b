// Package cache holds the cache contracts used by the services and a JSON codec
// over any byte cache.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// BytesCache is implemented by rediscache.RedisCache.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// JSON stores values of T as JSON under a fixed TTL.
type JSON[T any] struct {
	c   BytesCache
	ttl time.Duration
}

func NewJSON[T any](c BytesCache, ttl time.Duration) *JSON[T] {
	return &JSON[T]{c: c, ttl: ttl}
}

func (j *JSON[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	b, ok, err := j.c.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, false, errors.Wrap(err, "decode cached value")
	}
	return v, true, nil
}

func (j *JSON[T]) Set(ctx context.Context, key string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode cached value")
	}
	return j.c.Set(ctx, key, b, j.ttl)
}

func (j *JSON[T]) Delete(ctx context.Context, key string) error {
	return j.c.Delete(ctx, key)
}
