package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"cdb.platformcommons.org/internal/auth"
)

type clients struct{ db *sql.DB }

const clientColumns = `id, client_id, client_secret_hash, name, redirect_uris, scopes, grant_types,
	require_pkce, require_consent, logo_url, description, created_at`

func (s clients) Create(ctx context.Context, c *auth.OAuthClient) error {
	redirects, err := encodeList(c.RedirectURIs)
	if err != nil {
		return err
	}
	scopes, err := encodeList(c.Scopes)
	if err != nil {
		return err
	}
	grants, err := encodeList(c.GrantTypes)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		insert into oauth2_clients (client_id, client_secret_hash, name, redirect_uris, scopes, grant_types,
			require_pkce, require_consent, logo_url, description)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning id, created_at
	`, c.ClientID, nullIfEmpty(c.SecretHash), c.Name, redirects, scopes, grants,
		c.RequirePKCE, c.RequireConsent, nullIfEmpty(c.LogoURL), nullIfEmpty(c.Description)).Scan(&c.ID, &c.CreatedAt)
	return translate(err)
}

func (s clients) FindByClientID(ctx context.Context, clientID string) (*auth.OAuthClient, error) {
	row := s.db.QueryRowContext(ctx, `select `+clientColumns+` from oauth2_clients where client_id = $1`, clientID)
	return scanClient(row)
}

func (s clients) List(ctx context.Context) ([]*auth.OAuthClient, error) {
	rows, err := s.db.QueryContext(ctx, `select `+clientColumns+` from oauth2_clients order by id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*auth.OAuthClient
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*auth.OAuthClient, error) {
	var (
		c                         auth.OAuthClient
		secret, logo, desc        sql.NullString
		redirects, scopes, grants []byte
	)
	err := row.Scan(&c.ID, &c.ClientID, &secret, &c.Name, &redirects, &scopes, &grants,
		&c.RequirePKCE, &c.RequireConsent, &logo, &desc, &c.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	c.SecretHash, c.LogoURL, c.Description = secret.String, logo.String, desc.String
	if c.RedirectURIs, err = decodeList(redirects); err != nil {
		return nil, fmt.Errorf("decode redirect_uris: %w", err)
	}
	if c.Scopes, err = decodeList(scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	if c.GrantTypes, err = decodeList(grants); err != nil {
		return nil, fmt.Errorf("decode grant_types: %w", err)
	}
	return &c, nil
}

func encodeList(items []string) ([]byte, error) {
	if items == nil {
		items = []string{}
	}
	return json.Marshal(items)
}

func decodeList(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
