package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/AidBox/internal/cache"
	"github.com/BearBump/AidBox/internal/models"
)

// Cached is a read-through cache over a remote catalog. Cache failures fall back to
// the underlying client.
type Cached struct {
	next  Client
	cache *cache.JSON[models.Money]
}

func NewCached(next Client, c cache.BytesCache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{next: next, cache: cache.NewJSON[models.Money](c, ttl)}
}

func priceKey(st models.ServiceType, vt models.VehicleType) string {
	return fmt.Sprintf("price:%s:%s", st, vt)
}

func (c *Cached) BasePrice(ctx context.Context, st models.ServiceType, vt models.VehicleType) (models.Money, error) {
	key := priceKey(st, vt)
	if v, ok, err := c.cache.Get(ctx, key); err != nil {
		slog.Warn("pricing cache get failed", "key", key, "err", err)
	} else if ok {
		return v, nil
	}

	v, err := c.next.BasePrice(ctx, st, vt)
	if err != nil {
		return 0, err
	}
	if err := c.cache.Set(ctx, key, v); err != nil {
		slog.Warn("pricing cache set failed", "key", key, "err", err)
	}
	return v, nil
}
