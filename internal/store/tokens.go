package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"sms-gateway/internal/apierr"
)

// CreateToken persists a token whose secret has already been hashed by the
// caller (internal/tokenauth owns the KDF); store only ever sees the hash.
func (s *Store) CreateToken(ctx context.Context, t *ApiToken) (*ApiToken, error) {
	out := *t
	out.ID = uuid.NewString()
	out.CreatedAt = time.Now().UTC()

	const q = `
		INSERT INTO api_tokens (id, owner_id, name, hashed_secret, kind, permissions, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, q,
		out.ID, out.OwnerID, out.Name, out.HashedSecret, out.Kind, pq.Array(out.Permissions), out.CreatedAt, out.ExpiresAt)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "TOKEN_CREATE_FAILED", "failed to create token", err)
	}
	return &out, nil
}

func (s *Store) GetToken(ctx context.Context, id string) (*ApiToken, error) {
	const q = `
		SELECT id, owner_id, name, hashed_secret, kind, permissions, created_at, expires_at, revoked, last_used_at
		FROM api_tokens WHERE id = $1`
	t, err := scanToken(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("TOKEN_NOT_FOUND", "token not found")
		}
		return nil, apierr.Wrap(apierr.KindInternal, "TOKEN_GET_FAILED", "failed to fetch token", err)
	}
	return t, nil
}

func (s *Store) TouchTokenUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "TOKEN_TOUCH_FAILED", "failed to update token last-used", err)
	}
	return nil
}

func (s *Store) RevokeToken(ctx context.Context, ownerID, id string) error {
	const q = `UPDATE api_tokens SET revoked = true WHERE id = $1 AND owner_id = $2`
	res, err := s.db.ExecContext(ctx, q, id, ownerID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "TOKEN_REVOKE_FAILED", "failed to revoke token", err)
	}
	return requireRowsAffected(res)
}

// RenewToken extends expiry without issuing a new secret.
func (s *Store) RenewToken(ctx context.Context, ownerID, id string, newExpiry time.Time) (*ApiToken, error) {
	const q = `
		UPDATE api_tokens SET expires_at = $1
		WHERE id = $2 AND owner_id = $3 AND revoked = false
		RETURNING id, owner_id, name, hashed_secret, kind, permissions, created_at, expires_at, revoked, last_used_at`
	t, err := scanToken(s.db.QueryRowContext(ctx, q, newExpiry, id, ownerID))
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("TOKEN_NOT_FOUND", "token not found or revoked")
		}
		return nil, apierr.Wrap(apierr.KindInternal, "TOKEN_RENEW_FAILED", "failed to renew token", err)
	}
	return t, nil
}

// CleanupExpiredTokens removes tokens whose expiry has passed, returning the
// count removed. The retention sweep does not call it.
func (s *Store) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "TOKEN_CLEANUP_FAILED", "failed to clean up expired tokens", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "TOKEN_CLEANUP_FAILED", "failed to read rows affected", err)
	}
	return n, nil
}

func scanToken(row rowScanner) (*ApiToken, error) {
	var t ApiToken
	var expiresAt, lastUsedAt sql.NullTime
	if err := row.Scan(
		&t.ID, &t.OwnerID, &t.Name, &t.HashedSecret, &t.Kind, pq.Array(&t.Permissions),
		&t.CreatedAt, &expiresAt, &t.Revoked, &lastUsedAt,
	); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		t.LastUsedAt = &lastUsedAt.Time
	}
	return &t, nil
}
