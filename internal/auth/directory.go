package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cdb.platformcommons.org/internal/ids"
)

// ClientRegistration describes a new OAuth2 client.
type ClientRegistration struct {
	Name           string   `json:"name"`
	RedirectURIs   []string `json:"redirectUris"`
	Scopes         []string `json:"scopes"`
	GrantTypes     []string `json:"grantTypes"`
	RequirePKCE    *bool    `json:"requirePkce"`
	RequireConsent *bool    `json:"requireConsent"`
	LogoURL        string   `json:"logoUrl"`
	Description    string   `json:"description"`
}

// RegisteredClient is returned once on creation; the secret is not recoverable later.
type RegisteredClient struct {
	Client       *OAuthClient
	ClientSecret string
}

// MappingRequest creates a user-provider mapping with role codes.
type MappingRequest struct {
	UserID       int64         `json:"userId"`
	ProviderID   int64         `json:"providerId"`
	ProviderCode string        `json:"providerCode"`
	Status       MappingStatus `json:"status"`
	RoleCodes    []string      `json:"roleCodes"`
}

// Directory maintains the role and authority master data, provider mappings
// and OAuth2 clients.
type Directory struct {
	store Store
}

// NewDirectory wires the directory over store.
func NewDirectory(store Store) (*Directory, error) {
	if store == nil {
		return nil, errors.New("directory store is required")
	}
	return &Directory{store: store}, nil
}

func (d *Directory) CreateAuthority(ctx context.Context, code, name, processArea string) (*Authority, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: authority code is required", ErrInvalidArgument)
	}
	a := &Authority{Code: code, Name: strings.TrimSpace(name), ProcessArea: strings.TrimSpace(processArea)}
	if err := d.store.Roles().CreateAuthority(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Directory) CreateRole(ctx context.Context, code, label, roleType string, authorityCodes []string) (*Role, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: role code is required", ErrInvalidArgument)
	}
	r := &Role{Code: code, Label: strings.TrimSpace(label), Type: strings.TrimSpace(roleType)}
	if err := d.store.Roles().CreateRole(ctx, r, dedupeCodes(authorityCodes)); err != nil {
		return nil, err
	}
	return d.store.Roles().FindRole(ctx, code)
}

func (d *Directory) FindRole(ctx context.Context, code string) (*Role, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: role code is required", ErrInvalidArgument)
	}
	return d.store.Roles().FindRole(ctx, code)
}

// CreateMapping adds a mapping. A second ACTIVE mapping for the same pair is a conflict.
func (d *Directory) CreateMapping(ctx context.Context, req MappingRequest) (*UserProviderMapping, error) {
	req.ProviderCode = strings.TrimSpace(req.ProviderCode)
	if req.UserID <= 0 || req.ProviderCode == "" {
		return nil, fmt.Errorf("%w: userId and providerCode are required", ErrInvalidArgument)
	}
	if req.Status == "" {
		req.Status = MappingRequested
	}
	if !req.Status.Valid() {
		return nil, fmt.Errorf("%w: unsupported status %s", ErrInvalidArgument, req.Status)
	}
	m := &UserProviderMapping{
		UserID:       req.UserID,
		ProviderID:   req.ProviderID,
		ProviderCode: req.ProviderCode,
		Status:       req.Status,
	}
	if err := d.store.Mappings().Create(ctx, m); err != nil {
		return nil, err
	}
	if codes := dedupeCodes(req.RoleCodes); len(codes) > 0 {
		if err := d.store.Mappings().AssignRoles(ctx, m.ID, codes); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (d *Directory) AssignRoles(ctx context.Context, mappingID int64, roleCodes []string) error {
	codes := dedupeCodes(roleCodes)
	if mappingID <= 0 || len(codes) == 0 {
		return fmt.Errorf("%w: mapping id and role codes are required", ErrInvalidArgument)
	}
	return d.store.Mappings().AssignRoles(ctx, mappingID, codes)
}

func (d *Directory) SetMappingStatus(ctx context.Context, mappingID int64, status MappingStatus) error {
	status = MappingStatus(strings.ToUpper(strings.TrimSpace(string(status))))
	if !status.Valid() {
		return fmt.Errorf("%w: unsupported status %s", ErrInvalidArgument, status)
	}
	return d.store.Mappings().SetStatus(ctx, mappingID, status)
}

// CreateClient registers a client with a generated id and secret.
func (d *Directory) CreateClient(ctx context.Context, reg ClientRegistration) (RegisteredClient, error) {
	name := strings.TrimSpace(reg.Name)
	redirects := dedupeCodes(reg.RedirectURIs)
	if name == "" || len(redirects) == 0 {
		return RegisteredClient{}, fmt.Errorf("%w: name and redirectUris are required", ErrInvalidArgument)
	}
	grants := dedupeCodes(reg.GrantTypes)
	if len(grants) == 0 {
		grants = []string{GrantAuthorizationCode}
	}
	scopes := dedupeCodes(reg.Scopes)
	if len(scopes) == 0 {
		scopes = []string{"read", "write"}
	}
	idPart, err := ids.Random(16)
	if err != nil {
		return RegisteredClient{}, err
	}
	secret, err := ids.Random(32)
	if err != nil {
		return RegisteredClient{}, err
	}
	hash, err := HashPassword(secret)
	if err != nil {
		return RegisteredClient{}, err
	}
	client := &OAuthClient{
		ClientID:       "cdb_" + idPart,
		SecretHash:     hash,
		Name:           name,
		RedirectURIs:   redirects,
		Scopes:         scopes,
		GrantTypes:     grants,
		RequirePKCE:    boolOr(reg.RequirePKCE, true),
		RequireConsent: boolOr(reg.RequireConsent, true),
		LogoURL:        strings.TrimSpace(reg.LogoURL),
		Description:    strings.TrimSpace(reg.Description),
	}
	if err := d.store.Clients().Create(ctx, client); err != nil {
		return RegisteredClient{}, err
	}
	return RegisteredClient{Client: client, ClientSecret: secret}, nil
}

func (d *Directory) ListClients(ctx context.Context) ([]*OAuthClient, error) {
	return d.store.Clients().List(ctx)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
