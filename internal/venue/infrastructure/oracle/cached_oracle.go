// Package oracle 价格预言机基础设施
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/deficonverter/internal/venue/domain"
	"github.com/wyfcoding/deficonverter/pkg/cache"
)

// CachedOracle 在上游预言机前加一层 Redis 短时缓存。
// 选路是读密集操作，同一次请求内会对同一资产多次取价。
type CachedOracle struct {
	upstream domain.PriceOracle
	cache    *cache.RedisCache
	ttl      time.Duration
	logger   *slog.Logger
}

// NewCachedOracle 创建带缓存的预言机
func NewCachedOracle(upstream domain.PriceOracle, c *cache.RedisCache, ttl time.Duration, logger *slog.Logger) *CachedOracle {
	return &CachedOracle{
		upstream: upstream,
		cache:    c,
		ttl:      ttl,
		logger:   logger.With("module", "cached_oracle"),
	}
}

// Price 实现 domain.PriceOracle
func (o *CachedOracle) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	key := fmt.Sprintf("converter:price:%s", asset)

	if cached, err := o.cache.Get(ctx, key); err == nil && cached != "" {
		price, perr := decimal.NewFromString(cached)
		if perr == nil {
			return price, nil
		}
		// 缓存损坏则回源
		o.logger.WarnContext(ctx, "invalid cached price, falling through", "asset", asset, "value", cached)
	}

	price, err := o.upstream.Price(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}

	if err := o.cache.Set(ctx, key, price.String(), o.ttl); err != nil {
		o.logger.WarnContext(ctx, "failed to cache price", "asset", asset, "error", err)
	}

	return price, nil
}
