package pg

import (
	"context"
	"database/sql"
	"time"

	"cdb.platformcommons.org/internal/auth"
)

type users struct{ db *sql.DB }

const userColumns = `id, username, email, password_hash, enabled, mfa_enabled, last_login, created_at, updated_at`

func (s users) Create(ctx context.Context, u *auth.User) error {
	err := s.db.QueryRowContext(ctx, `
		insert into users (username, email, password_hash, enabled, mfa_enabled)
		values ($1, $2, $3, $4, $5)
		returning id, created_at, updated_at
	`, u.Username, u.Email, u.PasswordHash, u.Enabled, u.MFAEnabled).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	return translate(err)
}

func (s users) Find(ctx context.Context, id int64) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s users) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
}

func (s users) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return expectRow(s.db.ExecContext(ctx, `update users set enabled = $2, updated_at = now() where id = $1`, id, enabled))
}

func (s users) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	return expectRow(s.db.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, id, passwordHash))
}

func (s users) TouchLogin(ctx context.Context, id int64, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx, `update users set last_login = $2 where id = $1`, id, at.UTC()))
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var (
		u         auth.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Enabled, &u.MFAEnabled, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		u.LastLogin = &t
	}
	return &u, nil
}
