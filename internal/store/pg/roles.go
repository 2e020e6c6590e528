package pg

import (
	"context"
	"database/sql"

	"cdb.platformcommons.org/internal/auth"
)

type roles struct{ db *sql.DB }

func (s roles) CreateAuthority(ctx context.Context, a *auth.Authority) error {
	err := s.db.QueryRowContext(ctx, `
		insert into authority_master (code, name, process_area)
		values ($1, $2, $3)
		returning id
	`, a.Code, nullIfEmpty(a.Name), nullIfEmpty(a.ProcessArea)).Scan(&a.ID)
	return translate(err)
}

// CreateRole inserts the role and links authorities in the given order. An
// unknown authority code aborts the transaction with ErrNotFound.
func (s roles) CreateRole(ctx context.Context, r *auth.Role, authorityCodes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		insert into role_master (code, label, type)
		values ($1, $2, $3)
		returning id
	`, r.Code, nullIfEmpty(r.Label), nullIfEmpty(r.Type)).Scan(&r.ID); err != nil {
		return translate(err)
	}
	for i, code := range authorityCodes {
		res, err := tx.ExecContext(ctx, `
			insert into role_authorities (role_id, authority_id, position)
			select $1, id, $3 from authority_master where code = $2
			on conflict do nothing
		`, r.ID, code, i)
		if err := expectRow(res, err); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s roles) FindRole(ctx context.Context, code string) (*auth.Role, error) {
	var (
		role        auth.Role
		label, kind sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `select id, code, label, type from role_master where code = $1`, code).
		Scan(&role.ID, &role.Code, &label, &kind)
	if err != nil {
		return nil, translate(err)
	}
	role.Label, role.Type = label.String, kind.String

	rows, err := s.db.QueryContext(ctx, `
		select a.id, a.code, a.name, a.process_area
		from role_authorities ra
		join authority_master a on a.id = ra.authority_id
		where ra.role_id = $1
		order by ra.position asc
	`, role.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a          auth.Authority
			name, area sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Code, &name, &area); err != nil {
			return nil, err
		}
		a.Name, a.ProcessArea = name.String, area.String
		role.Authorities = append(role.Authorities, a)
	}
	return &role, rows.Err()
}
