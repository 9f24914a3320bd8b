package tokenauth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"sms-gateway/internal/apierr"
	"sms-gateway/internal/store"
)

const (
	LocalToken   = "apiToken"
	LocalOwnerID = "ownerID"
	LocalAuthErr = "authErr"
)

// Identify resolves the caller's identity from the Authorization header
// without rejecting the request, so that a rate limiter running downstream
// can key on the authenticated owner (spec §4.D step 1: "user:{ownerId}
// when the request carries a valid token, else ip:{remote}") before
// RequireAuth enforces validity at step 2. A missing or invalid token is
// recorded in locals for RequireAuth to report, not failed here -- doing
// the lookup once keeps a single Validate call (and a single lastUsedAt
// write) per request instead of one per middleware.
func (i *Issuer) Identify() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.Locals(LocalAuthErr, apierr.New(apierr.KindUnauthorized, "MISSING_TOKEN", "missing bearer token"))
			return c.Next()
		}

		tok, err := i.Validate(c.UserContext(), strings.TrimPrefix(header, prefix))
		if err != nil {
			c.Locals(LocalAuthErr, err)
			return c.Next()
		}

		c.Locals(LocalToken, tok)
		c.Locals(LocalOwnerID, tok.OwnerID)
		return c.Next()
	}
}

// RequireAuth rejects the request with 401 unless Identify resolved a valid
// token earlier in the chain. It must run after Identify.
func RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if tok, _ := c.Locals(LocalToken).(*store.ApiToken); tok != nil {
			return c.Next()
		}
		if err, ok := c.Locals(LocalAuthErr).(error); ok {
			if ae, ok := apierr.As(err); ok {
				return writeErr(c, fiber.StatusUnauthorized, ae.Code, ae.Message)
			}
		}
		return writeUnauthorized(c, "authentication required")
	}
}

// RequirePermission gates a route behind a named permission on the token
// resolved by Identify; it must run after RequireAuth in the chain.
func RequirePermission(perm string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tok, _ := c.Locals(LocalToken).(*store.ApiToken)
		if tok == nil || !tok.HasPermission(perm) {
			return writeErr(c, fiber.StatusForbidden, "PERMISSION_DENIED", "token lacks required permission: "+perm)
		}
		return c.Next()
	}
}

func writeUnauthorized(c *fiber.Ctx, msg string) error {
	return writeErr(c, fiber.StatusUnauthorized, "UNAUTHORIZED", msg)
}

func writeErr(c *fiber.Ctx, status int, code, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": msg,
		"code":    status,
	})
}
