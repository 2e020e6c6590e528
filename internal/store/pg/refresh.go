package pg

import (
	"context"
	"database/sql"

	"cdb.platformcommons.org/internal/auth"
)

type refreshTokens struct{ db *sql.DB }

func (s refreshTokens) Create(ctx context.Context, tok *auth.RefreshToken) error {
	err := s.db.QueryRowContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, revoked)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt.UTC(), tok.Revoked).Scan(&tok.CreatedAt)
	return translate(err)
}

func (s refreshTokens) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, revoked
		from refresh_tokens
		where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &tok.Revoked)
	if err != nil {
		return nil, translate(err)
	}
	return &tok, nil
}

// MarkRevoked revokes a live token. A token that is already revoked yields
// auth.ErrInvalidState so concurrent rotations redeem it at most once.
func (s refreshTokens) MarkRevoked(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked = true where id = $1 and revoked = false`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from refresh_tokens where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	return auth.ErrInvalidState
}

func (s refreshTokens) MarkRevokedByUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked = true where user_id = $1 and revoked = false`, userID)
	return err
}
