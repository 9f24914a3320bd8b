// Package tokenauth issues and validates the bearer ApiTokens that gate
// every Admission endpoint. Secrets are never stored -- only an Argon2id
// hash -- and the wire token is an opaque "<tokenID>.<secret>" pair so
// validation is a single indexed lookup followed by a constant-time
// comparison.
package tokenauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sms-gateway/internal/apierr"
	"sms-gateway/internal/store"
)

type Issuer struct {
	store *store.Store
	log   *zap.Logger
}

func New(s *store.Store, log *zap.Logger) *Issuer {
	return &Issuer{store: s, log: log}
}

// IssueResult is returned only at creation time; the raw token is never
// recoverable afterward.
type IssueResult struct {
	Token *store.ApiToken
	Raw   string
}

func (i *Issuer) Issue(ctx context.Context, ownerID, name string, kind store.TokenKind, perms []string, ttl time.Duration) (*IssueResult, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "TOKEN_SECRET_FAILED", "failed to generate token secret", err)
	}
	hashed, err := hashSecret(secret)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "TOKEN_HASH_FAILED", "failed to hash token secret", err)
	}

	t := &store.ApiToken{
		OwnerID:      ownerID,
		Name:         name,
		HashedSecret: hashed,
		Kind:         kind,
		Permissions:  perms,
	}
	if ttl > 0 {
		exp := time.Now().UTC().Add(ttl)
		t.ExpiresAt = &exp
	}

	created, err := i.store.CreateToken(ctx, t)
	if err != nil {
		return nil, err
	}

	return &IssueResult{Token: created, Raw: fmt.Sprintf("%s.%s", created.ID, secret)}, nil
}

// Validate parses a raw bearer token, looks up its ApiToken row, verifies
// the secret, and rejects revoked or expired tokens.
func (i *Issuer) Validate(ctx context.Context, raw string) (*store.ApiToken, error) {
	id, secret, ok := splitToken(raw)
	if !ok {
		return nil, apierr.New(apierr.KindUnauthorized, "MALFORMED_TOKEN", "bearer token is malformed")
	}

	tok, err := i.store.GetToken(ctx, id)
	if err != nil {
		if ae, ok := apierr.As(err); ok && ae.Kind == apierr.KindNotFound {
			return nil, apierr.New(apierr.KindUnauthorized, "INVALID_TOKEN", "token not recognized")
		}
		return nil, err
	}

	if tok.Revoked {
		return nil, apierr.New(apierr.KindUnauthorized, "TOKEN_REVOKED", "token has been revoked")
	}
	if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
		return nil, apierr.New(apierr.KindUnauthorized, "TOKEN_EXPIRED", "token has expired")
	}

	ok, err = verifySecret(secret, tok.HashedSecret)
	if err != nil {
		i.log.Warn("token hash verification error", zap.Error(err))
		return nil, apierr.New(apierr.KindUnauthorized, "INVALID_TOKEN", "token not recognized")
	}
	if !ok {
		return nil, apierr.New(apierr.KindUnauthorized, "INVALID_TOKEN", "token not recognized")
	}

	if err := i.store.TouchTokenUsage(ctx, tok.ID); err != nil {
		i.log.Warn("failed to update token last-used timestamp", zap.Error(err))
	}

	return tok, nil
}

func (i *Issuer) Revoke(ctx context.Context, ownerID, tokenID string) error {
	return i.store.RevokeToken(ctx, ownerID, tokenID)
}

func (i *Issuer) Renew(ctx context.Context, ownerID, tokenID string, ttl time.Duration) (*store.ApiToken, error) {
	return i.store.RenewToken(ctx, ownerID, tokenID, time.Now().UTC().Add(ttl))
}

func splitToken(raw string) (id, secret string, ok bool) {
	idx := strings.IndexByte(raw, '.')
	if idx < 0 || idx == len(raw)-1 {
		return "", "", false
	}
	return raw[:idx], raw[idx+1:], true
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
