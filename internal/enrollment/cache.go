package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/metrics"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

const (
	cacheKeyPrefix = "registrar:enrollment:"
	// notEnrolled caches a negative lookup.
	notEnrolled = "-"
)

// RedisConfig configures the enrollment cache connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient connects to Redis and verifies the connection. It returns
// nil when no URL is configured.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Cache is the subset of the go-redis client the resolver uses.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// CachedResolver fronts another resolver with a Redis cache. Cache failures
// fall through to the wrapped resolver.
type CachedResolver struct {
	next        registration.EnrollmentResolver
	cache       Cache
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *zap.Logger
}

// NewCachedResolver constructs a CachedResolver. Misses are cached for
// negativeTTL; a zero negativeTTL disables negative caching.
func NewCachedResolver(
	next registration.EnrollmentResolver,
	cache Cache,
	ttl time.Duration,
	negativeTTL time.Duration,
	logger *zap.Logger,
) *CachedResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedResolver{
		next:        next,
		cache:       cache,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		logger:      logger.Named("enrollment_cache"),
	}
}

// Resolve implements registration.EnrollmentResolver.
func (c *CachedResolver) Resolve(ctx context.Context, registrationURI string, registrantAuthority string) (string, error) {
	site, err := siteOf(registrationURI)
	if err != nil {
		return "", err
	}
	key := cacheKeyPrefix + site

	cached, err := c.cache.Get(ctx, key).Result()
	switch {
	case err == nil:
		metrics.ObserveEnrollmentCacheLookup("hit")
		if cached == notEnrolled {
			return "", registration.ErrNotFound
		}
		return cached, nil
	case errors.Is(err, redis.Nil):
		metrics.ObserveEnrollmentCacheLookup("miss")
	default:
		metrics.ObserveEnrollmentCacheLookup("error")
		c.logger.Warn("enrollment cache read failed", zap.String("site", site), zap.Error(err))
	}

	id, err := c.next.Resolve(ctx, registrationURI, registrantAuthority)
	switch {
	case err == nil:
		c.store(ctx, key, id, c.ttl)
	case errors.Is(err, registration.ErrNotFound) && c.negativeTTL > 0:
		c.store(ctx, key, notEnrolled, c.negativeTTL)
	}
	return id, err
}

func (c *CachedResolver) store(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.cache.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn("enrollment cache write failed", zap.String("key", key), zap.Error(err))
	}
}
