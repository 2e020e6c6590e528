package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cdb.platformcommons.org/internal/audit"
	"cdb.platformcommons.org/internal/auth"
)

type createAuthorityRequest struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	ProcessArea string `json:"processArea"`
}

type createRoleRequest struct {
	Code           string   `json:"code"`
	Label          string   `json:"label"`
	Type           string   `json:"type"`
	AuthorityCodes []string `json:"authorityCodes"`
}

type assignRolesRequest struct {
	RoleCodes []string `json:"roleCodes"`
}

type mappingStatusRequest struct {
	Status auth.MappingStatus `json:"status"`
}

type userEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type authorityView struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name,omitempty"`
	ProcessArea string `json:"processArea,omitempty"`
}

type roleView struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	Label       string          `json:"label,omitempty"`
	Type        string          `json:"type,omitempty"`
	Authorities []authorityView `json:"authorities"`
}

type mappingView struct {
	ID           int64              `json:"id"`
	UserID       int64              `json:"userId"`
	ProviderID   int64              `json:"providerId"`
	ProviderCode string             `json:"providerCode"`
	Status       auth.MappingStatus `json:"status"`
	MappedAt     time.Time          `json:"mappedAt"`
}

type clientView struct {
	ClientID       string    `json:"clientId"`
	ClientSecret   string    `json:"clientSecret,omitempty"`
	Name           string    `json:"name"`
	RedirectURIs   []string  `json:"redirectUris"`
	Scopes         []string  `json:"scopes"`
	GrantTypes     []string  `json:"grantTypes"`
	RequirePKCE    bool      `json:"requirePkce"`
	RequireConsent bool      `json:"requireConsent"`
	LogoURL        string    `json:"logoUrl,omitempty"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toAuthorityView(a auth.Authority) authorityView {
	return authorityView{ID: a.ID, Code: a.Code, Name: a.Name, ProcessArea: a.ProcessArea}
}

func toRoleView(r *auth.Role) roleView {
	v := roleView{ID: r.ID, Code: r.Code, Label: r.Label, Type: r.Type, Authorities: []authorityView{}}
	for _, a := range r.Authorities {
		v.Authorities = append(v.Authorities, toAuthorityView(a))
	}
	return v
}

func toClientView(c *auth.OAuthClient) clientView {
	return clientView{
		ClientID:       c.ClientID,
		Name:           c.Name,
		RedirectURIs:   c.RedirectURIs,
		Scopes:         c.Scopes,
		GrantTypes:     c.GrantTypes,
		RequirePKCE:    c.RequirePKCE,
		RequireConsent: c.RequireConsent,
		LogoURL:        c.LogoURL,
		Description:    c.Description,
		CreatedAt:      c.CreatedAt,
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", auth.ErrInvalidArgument)
	}
	return id, nil
}

func (a *API) directoryChanged(r *http.Request, kind string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["kind"] = kind
	_ = audit.LogEvent(r.Context(), audit.EventDirectoryChange, fields)
}

func (a *API) handleCreateAuthority(w http.ResponseWriter, r *http.Request) {
	var req createAuthorityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	authority, err := a.deps.Directory.CreateAuthority(r.Context(), req.Code, req.Name, req.ProcessArea)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.directoryChanged(r, "authority.create", map[string]any{"code": authority.Code})
	writeJSON(w, http.StatusCreated, toAuthorityView(*authority))
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.deps.Directory.CreateRole(r.Context(), req.Code, req.Label, req.Type, req.AuthorityCodes)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.directoryChanged(r, "role.create", map[string]any{"code": role.Code})
	w.Header().Set("Location", "/api/v1/admin/roles/"+role.Code)
	writeJSON(w, http.StatusCreated, toRoleView(role))
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.deps.Directory.FindRole(r.Context(), r.PathValue("code"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoleView(role))
}

func (a *API) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var req auth.MappingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.deps.Directory.CreateMapping(r.Context(), req)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.directoryChanged(r, "mapping.create", map[string]any{
		"mapping_id":    m.ID,
		"user_id":       m.UserID,
		"provider_code": m.ProviderCode,
	})
	writeJSON(w, http.StatusCreated, mappingView{
		ID:           m.ID,
		UserID:       m.UserID,
		ProviderID:   m.ProviderID,
		ProviderCode: m.ProviderCode,
		Status:       m.Status,
		MappedAt:     m.MappedAt,
	})
}

func (a *API) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	var req assignRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Directory.AssignRoles(r.Context(), id, req.RoleCodes); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.directoryChanged(r, "mapping.roles", map[string]any{"mapping_id": id, "roles": req.RoleCodes})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMappingStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	var req mappingStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Directory.SetMappingStatus(r.Context(), id, req.Status); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.directoryChanged(r, "mapping.status", map[string]any{"mapping_id": id, "status": string(req.Status)})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	var req userEnabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Registrar.SetUserEnabled(r.Context(), id, req.Enabled); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.directoryChanged(r, "user.enabled", map[string]any{"target_user_id": id, "enabled": req.Enabled})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req auth.ClientRegistration
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reg, err := a.deps.Directory.CreateClient(r.Context(), req)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventClientCreated, map[string]any{
		"client_id": reg.Client.ClientID,
		"name":      reg.Client.Name,
	})
	view := toClientView(reg.Client)
	view.ClientSecret = reg.ClientSecret
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.deps.Directory.ListClients(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	out := make([]clientView, 0, len(clients))
	for _, c := range clients {
		out = append(out, toClientView(c))
	}
	writeJSON(w, http.StatusOK, out)
}
