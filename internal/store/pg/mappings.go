package pg

import (
	"context"
	"database/sql"
	"fmt"

	"cdb.platformcommons.org/internal/auth"
)

type mappings struct{ db *sql.DB }

func (s mappings) Create(ctx context.Context, m *auth.UserProviderMapping) error {
	if !m.Status.Valid() {
		return fmt.Errorf("%w: unknown mapping status %q", auth.ErrInvalidArgument, m.Status)
	}
	err := s.db.QueryRowContext(ctx, `
		insert into user_provider_mappings (user_id, provider_id, provider_code, status)
		values ($1, $2, $3, $4)
		returning id, mapped_at
	`, m.UserID, m.ProviderID, m.ProviderCode, string(m.Status)).Scan(&m.ID, &m.MappedAt)
	return translate(err)
}

func (s mappings) FindActive(ctx context.Context, userID int64, providerCode string) (*auth.UserProviderMapping, error) {
	var m auth.UserProviderMapping
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, provider_id, provider_code, status, mapped_at
		from user_provider_mappings
		where user_id = $1 and provider_code = $2 and status = 'ACTIVE'
		order by id asc
		limit 1
	`, userID, providerCode).Scan(&m.ID, &m.UserID, &m.ProviderID, &m.ProviderCode, &status, &m.MappedAt)
	if err != nil {
		return nil, translate(err)
	}
	m.Status = auth.MappingStatus(status)
	if m.Roles, err = s.rolesFor(ctx, m.ID); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s mappings) ListByStatus(ctx context.Context, userID int64, status auth.MappingStatus) ([]*auth.UserProviderMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, provider_id, provider_code, status, mapped_at
		from user_provider_mappings
		where user_id = $1 and status = $2
		order by id asc
	`, userID, string(status))
	if err != nil {
		return nil, err
	}
	var out []*auth.UserProviderMapping
	for rows.Next() {
		var (
			m  auth.UserProviderMapping
			st string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.ProviderID, &m.ProviderCode, &st, &m.MappedAt); err != nil {
			rows.Close()
			return nil, err
		}
		m.Status = auth.MappingStatus(st)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, m := range out {
		if m.Roles, err = s.rolesFor(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s mappings) SetStatus(ctx context.Context, id int64, status auth.MappingStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown mapping status %q", auth.ErrInvalidArgument, status)
	}
	return expectRow(s.db.ExecContext(ctx, `update user_provider_mappings set status = $2 where id = $1`, id, string(status)))
}

// AssignRoles appends roles after any already linked. Unknown mappings or role
// codes return ErrNotFound and nothing is written.
func (s mappings) AssignRoles(ctx context.Context, mappingID int64, roleCodes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx, `
		select coalesce((select max(position) + 1 from mapping_roles where mapping_id = m.id), 0)
		from user_provider_mappings m
		where m.id = $1
	`, mappingID).Scan(&next)
	if err != nil {
		return translate(err)
	}
	for i, code := range roleCodes {
		res, err := tx.ExecContext(ctx, `
			insert into mapping_roles (mapping_id, role_id, position)
			select $1, id, $3 from role_master where code = $2
			on conflict do nothing
		`, mappingID, code, next+i)
		if err != nil {
			return translate(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `select exists(select 1 from role_master where code = $1)`, code).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: role %s", auth.ErrNotFound, code)
			}
		}
	}
	return tx.Commit()
}

// rolesFor loads roles of a mapping with their authorities, both in link order.
func (s mappings) rolesFor(ctx context.Context, mappingID int64) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.code, r.label, r.type, a.id, a.code, a.name, a.process_area
		from mapping_roles mr
		join role_master r on r.id = mr.role_id
		left join role_authorities ra on ra.role_id = r.id
		left join authority_master a on a.id = ra.authority_id
		where mr.mapping_id = $1
		order by mr.position asc, ra.position asc
	`, mappingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Role
	index := make(map[int64]int)
	for rows.Next() {
		var (
			roleID                       int64
			code                         string
			label, kind                  sql.NullString
			authID                       sql.NullInt64
			authCode, authName, authArea sql.NullString
		)
		if err := rows.Scan(&roleID, &code, &label, &kind, &authID, &authCode, &authName, &authArea); err != nil {
			return nil, err
		}
		i, ok := index[roleID]
		if !ok {
			out = append(out, auth.Role{ID: roleID, Code: code, Label: label.String, Type: kind.String})
			i = len(out) - 1
			index[roleID] = i
		}
		if authID.Valid {
			out[i].Authorities = append(out[i].Authorities, auth.Authority{
				ID:          authID.Int64,
				Code:        authCode.String,
				Name:        authName.String,
				ProcessArea: authArea.String,
			})
		}
	}
	return out, rows.Err()
}
