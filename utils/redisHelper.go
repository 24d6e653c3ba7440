package utils

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	estimateCachePrefix       = "MileageEstimate"
	shadowEstimateCachePrefix = "MileageEstimateShadow"
)

// EstimateCacheKey scopes a cached estimate to one calibration series: MileageEstimate:$tenant:$vehicle:$series
func EstimateCacheKey(tenantId, vehicleId, seriesId string) string {
	return cacheKey(estimateCachePrefix, tenantId, vehicleId, seriesId)
}

// ShadowEstimateCacheKey is the parallel entry holding the shadow-rate estimate.
func ShadowEstimateCacheKey(tenantId, vehicleId, seriesId string) string {
	return cacheKey(shadowEstimateCachePrefix, tenantId, vehicleId, seriesId)
}

func cacheKey(prefix string, parts ...string) string {
	return prefix + ":" + strings.Join(parts, ":")
}

// GetCacheLifespan reads CACHE_LIFESPAN (hours) and falls back to def.
func GetCacheLifespan(def time.Duration) time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil || lifespan <= 0 {
		return def
	}
	return time.Duration(lifespan) * time.Hour
}

// RedisCache is a JSON-encoding cache. A nil client turns every call into a miss/no-op.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get decodes the value into dest; returns false on a miss.
func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
