package store

import (
	"context"
	"database/sql"
	"time"

	"sms-gateway/internal/apierr"
)

// blockDuration is the escalated lockout applied once a scope accumulates
// three consecutive overruns inside one rolling hour.
var blockDuration = map[RateLimitScope]time.Duration{
	ScopeRequest: 30 * time.Minute,
	ScopeAuth:    5 * time.Minute,
	ScopeAdmin:   60 * time.Minute,
}

// RateCheckResult is what the admission layer needs to build the
// X-RateLimit-* headers and a 429 body.
type RateCheckResult struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetAt      time.Time
	BlockedUntil *time.Time
}

// RateCheck is the Store's authoritative, transactional gate: it increments
// (or resets) a client's bucket for scope and reports whether the request
// is allowed. Redis in internal/ratelimit only caches this result to avoid
// a DB round trip on every hot-path request; this is the source of truth.
func (s *Store) RateCheck(ctx context.Context, clientID string, scope RateLimitScope, limit int, window time.Duration) (RateCheckResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RateCheckResult{}, apierr.Wrap(apierr.KindInternal, "RATE_BEGIN_FAILED", "failed to begin rate-check transaction", err)
	}
	defer tx.Rollback()

	var b RateLimitBucket
	var blockedUntil, windowStart sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, count, consecutive_overruns, blocked_until
		 FROM rate_limits WHERE client_id = $1 AND scope = $2 FOR UPDATE`,
		clientID, scope).Scan(&windowStart, &b.Count, &b.ConsecutiveOverruns, &blockedUntil)

	now := time.Now().UTC()
	exists := err == nil
	if err != nil && !isNoRows(err) {
		return RateCheckResult{}, apierr.Wrap(apierr.KindInternal, "RATE_LOOKUP_FAILED", "failed to look up rate bucket", err)
	}
	if windowStart.Valid {
		b.WindowStart = windowStart.Time
	}
	if blockedUntil.Valid {
		b.BlockedUntil = &blockedUntil.Time
	}

	if b.BlockedUntil != nil && now.Before(*b.BlockedUntil) {
		if err := upsertBucket(ctx, tx, clientID, scope, b, exists); err != nil {
			return RateCheckResult{}, err
		}
		return RateCheckResult{Allowed: false, Limit: limit, Remaining: 0, ResetAt: *b.BlockedUntil, BlockedUntil: b.BlockedUntil}, tx.Commit()
	}

	if b.WindowStart.IsZero() || now.Sub(b.WindowStart) >= window {
		b.WindowStart = now
		b.Count = 0
	}

	b.Count++
	resetAt := b.WindowStart.Add(window)
	allowed := b.Count <= limit

	if !allowed {
		b.ConsecutiveOverruns++
		if b.ConsecutiveOverruns >= 3 && now.Sub(b.WindowStart) <= time.Hour {
			blockUntil := now.Add(blockDuration[scope])
			b.BlockedUntil = &blockUntil
			b.ConsecutiveOverruns = 0
		}
	} else {
		b.ConsecutiveOverruns = 0
	}

	if err := upsertBucket(ctx, tx, clientID, scope, b, exists); err != nil {
		return RateCheckResult{}, err
	}

	remaining := limit - b.Count
	if remaining < 0 {
		remaining = 0
	}
	return RateCheckResult{Allowed: allowed, Limit: limit, Remaining: remaining, ResetAt: resetAt, BlockedUntil: b.BlockedUntil}, tx.Commit()
}

func upsertBucket(ctx context.Context, tx *sql.Tx, clientID string, scope RateLimitScope, b RateLimitBucket, exists bool) error {
	var err error
	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE rate_limits SET window_start = $1, count = $2, consecutive_overruns = $3, blocked_until = $4
			 WHERE client_id = $5 AND scope = $6`,
			b.WindowStart, b.Count, b.ConsecutiveOverruns, b.BlockedUntil, clientID, scope)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rate_limits (client_id, scope, window_start, count, consecutive_overruns, blocked_until)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			clientID, scope, b.WindowStart, b.Count, b.ConsecutiveOverruns, b.BlockedUntil)
	}
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "RATE_UPSERT_FAILED", "failed to persist rate bucket", err)
	}
	return nil
}
