package admission

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sms-gateway/internal/observability"
	"sms-gateway/internal/ratelimit"
	"sms-gateway/internal/store"
)

// RateLimitMiddleware enforces the named scope against the caller's
// identity (the authenticated owner if one is already resolved, otherwise
// the source IP), writing the X-RateLimit-* headers on every response. Per
// spec §4.D, a failure in the rate-limit layer itself is fail-safe: the
// request is allowed through and the failure is only logged, never turned
// into a 5xx that would take the whole data plane down with it.
func RateLimitMiddleware(limiter *ratelimit.Limiter, scope store.RateLimitScope, metrics *observability.Metrics, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		client := clientID(c)

		res, err := limiter.Check(c.UserContext(), client, scope)
		if err != nil {
			log.Error("rate limit check failed, allowing request", zap.Error(err), zap.String("scope", string(scope)))
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			if metrics != nil {
				metrics.RateLimitRejections.WithLabelValues(string(scope)).Inc()
			}
			retryAfter := int64(time.Until(res.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "RATE_LIMITED",
				"message": "rate limit exceeded for scope " + string(scope),
				"code":    "RATE_LIMITED",
			})
		}

		return c.Next()
	}
}
