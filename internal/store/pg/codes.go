package pg

import (
	"context"
	"database/sql"

	"cdb.platformcommons.org/internal/auth"
)

type codes struct{ db *sql.DB }

func (s codes) Save(ctx context.Context, c *auth.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		insert into oauth2_authorization_codes (code, client_id, user_id, redirect_uri, scope,
			code_challenge, code_challenge_method, expires_at, used)
		values ($1, $2, $3, $4, $5, $6, $7, $8, false)
	`, c.Code, c.ClientID, c.UserID, c.RedirectURI, nullIfEmpty(c.Scope),
		nullIfEmpty(c.CodeChallenge), nullIfEmpty(c.CodeChallengeMethod), c.ExpiresAt.UTC())
	return translate(err)
}

func (s codes) FindUnused(ctx context.Context, code string) (*auth.AuthorizationCode, error) {
	var (
		c                        auth.AuthorizationCode
		scope, challenge, method sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method,
			expires_at, used, created_at
		from oauth2_authorization_codes
		where code = $1 and used = false
	`, code).Scan(&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &scope, &challenge, &method,
		&c.ExpiresAt, &c.Used, &c.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	c.Scope, c.CodeChallenge, c.CodeChallengeMethod = scope.String, challenge.String, method.String
	return &c, nil
}

// MarkUsed is a conditional update so concurrent redemptions race on the row.
func (s codes) MarkUsed(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `update oauth2_authorization_codes set used = true where code = $1 and used = false`, code)
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
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from oauth2_authorization_codes where code = $1)`, code).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	return auth.ErrInvalidState
}
