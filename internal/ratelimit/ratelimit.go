// Package ratelimit implements the scoped admission rate limiter described
// in spec §4.D. Postgres (via internal/store) is the authoritative check;
// Redis only caches an already-blocked verdict so an abusive client is
// rejected without a database round trip on every request.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sms-gateway/internal/db"
	"sms-gateway/internal/store"
)

type ScopeLimits struct {
	Limit  int
	Window time.Duration
}

type Limiter struct {
	store  *store.Store
	redis  *db.RedisDB
	log    *zap.Logger
	limits map[store.RateLimitScope]ScopeLimits
}

func New(s *store.Store, r *db.RedisDB, log *zap.Logger, limits map[store.RateLimitScope]ScopeLimits) *Limiter {
	return &Limiter{store: s, redis: r, log: log, limits: limits}
}

func blockedKey(clientID string, scope store.RateLimitScope) string {
	return fmt.Sprintf("ratelimit:blocked:%s:%s", scope, clientID)
}

// Check enforces the scope's limit for clientID, consulting the Redis
// blocked-cache before falling through to the authoritative Postgres check.
func (l *Limiter) Check(ctx context.Context, clientID string, scope store.RateLimitScope) (store.RateCheckResult, error) {
	key := blockedKey(clientID, scope)

	cfg, ok := l.limits[scope]
	if !ok {
		cfg = ScopeLimits{Limit: 60, Window: time.Minute}
	}

	if ttl, err := l.redis.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		return store.RateCheckResult{
			Allowed:      false,
			Limit:        cfg.Limit,
			Remaining:    0,
			ResetAt:      time.Now().Add(ttl),
			BlockedUntil: ptrTime(time.Now().Add(ttl)),
		}, nil
	}

	res, err := l.store.RateCheck(ctx, clientID, scope, cfg.Limit, cfg.Window)
	if err != nil {
		return store.RateCheckResult{}, err
	}

	if res.BlockedUntil != nil {
		ttl := time.Until(*res.BlockedUntil)
		if ttl > 0 {
			if err := l.redis.Set(ctx, key, "1", ttl).Err(); err != nil {
				l.log.Warn("failed to cache rate-limit block in redis", zap.Error(err))
			}
		}
	}

	return res, nil
}

func ptrTime(t time.Time) *time.Time { return &t }
