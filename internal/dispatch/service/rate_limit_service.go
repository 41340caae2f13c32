package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codesandbox/internal/common/cache"
	pkgerrors "codesandbox/pkg/errors"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a request identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) error
}

// RateLimitService enforces fixed-window limits using Redis, so every
// replica of the service shares one budget per key.
type RateLimitService struct {
	cache        cache.CounterOps
	max          int
	window       time.Duration
	redisTimeout time.Duration
}

func NewRateLimitService(cacheClient cache.CounterOps, max int, window time.Duration, redisTimeout time.Duration) *RateLimitService {
	if window <= 0 {
		window = time.Minute
	}
	if redisTimeout <= 0 {
		redisTimeout = 200 * time.Millisecond
	}
	return &RateLimitService{cache: cacheClient, max: max, window: window, redisTimeout: redisTimeout}
}

func (s *RateLimitService) Allow(ctx context.Context, key string) error {
	if s.cache == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	if s.max <= 0 {
		return nil
	}

	ctxCache, cancel := context.WithTimeout(ctx, s.redisTimeout)
	defer cancel()

	acquired, err := s.cache.SetNX(ctxCache, key, 1, s.window)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
	}
	var count int64
	if acquired {
		count = 1
	} else {
		count, err = s.cache.Incr(ctxCache, key)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
		}
		ttl, ttlErr := s.cache.TTL(ctxCache, key)
		if ttlErr == nil && ttl <= 0 {
			_ = s.cache.Expire(ctxCache, key, s.window)
		}
	}
	if int(count) > s.max {
		return pkgerrors.New(pkgerrors.SubmitTooFrequently).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}

// LocalRateLimiter keeps one token bucket per key in memory. It serves
// single-instance deployments that run without Redis.
type LocalRateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu       sync.Mutex
	limiters map[string]*localEntry
	lastGC   time.Time
	now      func() time.Time
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalRateLimiter allows max requests per window per key, refilled evenly.
func NewLocalRateLimiter(max int, window time.Duration) *LocalRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	limit := rate.Inf
	if max > 0 {
		limit = rate.Limit(float64(max) / window.Seconds())
	}
	return &LocalRateLimiter{
		limit:    limit,
		burst:    max,
		idleTTL:  2 * window,
		limiters: make(map[string]*localEntry),
		now:      time.Now,
	}
}

func (l *LocalRateLimiter) Allow(_ context.Context, key string) error {
	if l.limit == rate.Inf {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	l.collect(now)
	entry, ok := l.limiters[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		return pkgerrors.New(pkgerrors.SubmitTooFrequently).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}

// collect drops buckets idle for longer than idleTTL. Callers hold mu.
func (l *LocalRateLimiter) collect(now time.Time) {
	if now.Sub(l.lastGC) < l.idleTTL {
		return
	}
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.limiters, key)
		}
	}
	l.lastGC = now
}
