package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used for single-node deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64

	users        map[int64]*User
	mappings     map[int64]*UserProviderMapping
	mappingRoles map[int64][]string
	authorities  map[string]*Authority
	roles        map[string]*Role
	roleAuths    map[string][]string
	clients      map[string]*OAuthClient
	codes        map[string]*AuthorizationCode
	refresh      map[string]*RefreshToken
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]*User),
		mappings:     make(map[int64]*UserProviderMapping),
		mappingRoles: make(map[int64][]string),
		authorities:  make(map[string]*Authority),
		roles:        make(map[string]*Role),
		roleAuths:    make(map[string][]string),
		clients:      make(map[string]*OAuthClient),
		codes:        make(map[string]*AuthorizationCode),
		refresh:      make(map[string]*RefreshToken),
	}
}

func (m *MemoryStore) Users() UserStore                 { return memUsers{m} }
func (m *MemoryStore) Mappings() MappingStore           { return memMappings{m} }
func (m *MemoryStore) Roles() RoleStore                 { return memRoles{m} }
func (m *MemoryStore) Clients() ClientStore             { return memClients{m} }
func (m *MemoryStore) Codes() CodeStore                 { return memCodes{m} }
func (m *MemoryStore) RefreshTokens() RefreshTokenStore { return memRefresh{m} }

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

type memUsers struct{ m *MemoryStore }

func (s memUsers) Create(_ context.Context, u *User) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	u.ID = s.m.id()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	cp := *u
	s.m.users[u.ID] = &cp
	return nil
}

func (s memUsers) Find(_ context.Context, id int64) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, u := range s.m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s memUsers) SetEnabled(_ context.Context, id int64, enabled bool) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Enabled = enabled
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s memUsers) UpdatePassword(_ context.Context, id int64, passwordHash string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s memUsers) TouchLogin(_ context.Context, id int64, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	u.LastLogin = &at
	return nil
}

type memMappings struct{ m *MemoryStore }

func (s memMappings) Create(_ context.Context, mp *UserProviderMapping) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[mp.UserID]; !ok {
		return ErrNotFound
	}
	if mp.Status == MappingActive {
		for _, existing := range s.m.mappings {
			if existing.UserID == mp.UserID && existing.ProviderCode == mp.ProviderCode && existing.Status == MappingActive {
				return ErrConflict
			}
		}
	}
	mp.ID = s.m.id()
	if mp.MappedAt.IsZero() {
		mp.MappedAt = time.Now().UTC()
	}
	cp := *mp
	cp.Roles = nil
	s.m.mappings[mp.ID] = &cp
	return nil
}

func (s memMappings) FindActive(_ context.Context, userID int64, providerCode string) (*UserProviderMapping, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var found *UserProviderMapping
	for _, mp := range s.m.mappings {
		if mp.UserID != userID || mp.ProviderCode != providerCode || mp.Status != MappingActive {
			continue
		}
		if found == nil || mp.ID < found.ID {
			found = mp
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return s.m.populate(found), nil
}

func (s memMappings) ListByStatus(_ context.Context, userID int64, status MappingStatus) ([]*UserProviderMapping, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*UserProviderMapping
	for _, mp := range s.m.mappings {
		if mp.UserID == userID && mp.Status == status {
			out = append(out, s.m.populate(mp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memMappings) SetStatus(_ context.Context, id int64, status MappingStatus) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	mp, ok := s.m.mappings[id]
	if !ok {
		return ErrNotFound
	}
	mp.Status = status
	return nil
}

func (s memMappings) AssignRoles(_ context.Context, mappingID int64, roleCodes []string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.mappings[mappingID]; !ok {
		return ErrNotFound
	}
	for _, code := range roleCodes {
		if _, ok := s.m.roles[code]; !ok {
			return ErrNotFound
		}
	}
	s.m.mappingRoles[mappingID] = append(s.m.mappingRoles[mappingID], roleCodes...)
	return nil
}

// populate copies a mapping with its roles and authorities; callers hold mu.
func (m *MemoryStore) populate(mp *UserProviderMapping) *UserProviderMapping {
	cp := *mp
	cp.Roles = nil
	for _, code := range m.mappingRoles[mp.ID] {
		if role, ok := m.roles[code]; ok {
			cp.Roles = append(cp.Roles, m.roleWithAuthorities(role))
		}
	}
	return &cp
}

func (m *MemoryStore) roleWithAuthorities(role *Role) Role {
	out := *role
	out.Authorities = nil
	for _, code := range m.roleAuths[role.Code] {
		if a, ok := m.authorities[code]; ok {
			out.Authorities = append(out.Authorities, *a)
		}
	}
	return out
}

type memRoles struct{ m *MemoryStore }

func (s memRoles) CreateAuthority(_ context.Context, a *Authority) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.authorities[a.Code]; ok {
		return ErrConflict
	}
	a.ID = s.m.id()
	cp := *a
	s.m.authorities[a.Code] = &cp
	return nil
}

func (s memRoles) CreateRole(_ context.Context, r *Role, authorityCodes []string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.roles[r.Code]; ok {
		return ErrConflict
	}
	for _, code := range authorityCodes {
		if _, ok := s.m.authorities[code]; !ok {
			return ErrNotFound
		}
	}
	r.ID = s.m.id()
	cp := *r
	cp.Authorities = nil
	s.m.roles[r.Code] = &cp
	s.m.roleAuths[r.Code] = append([]string(nil), authorityCodes...)
	return nil
}

func (s memRoles) FindRole(_ context.Context, code string) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	role, ok := s.m.roles[code]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.m.roleWithAuthorities(role)
	return &out, nil
}

type memClients struct{ m *MemoryStore }

func (s memClients) Create(_ context.Context, c *OAuthClient) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.clients[c.ClientID]; ok {
		return ErrConflict
	}
	c.ID = s.m.id()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.m.clients[c.ClientID] = &cp
	return nil
}

func (s memClients) FindByClientID(_ context.Context, clientID string) (*OAuthClient, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s memClients) List(_ context.Context) ([]*OAuthClient, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*OAuthClient, 0, len(s.m.clients))
	for _, c := range s.m.clients {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memCodes struct{ m *MemoryStore }

func (s memCodes) Save(_ context.Context, code *AuthorizationCode) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.codes[code.Code]; ok {
		return ErrConflict
	}
	cp := *code
	s.m.codes[code.Code] = &cp
	return nil
}

func (s memCodes) FindUnused(_ context.Context, code string) (*AuthorizationCode, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.m.codes[code]
	if !ok || c.Used {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s memCodes) MarkUsed(_ context.Context, code string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.m.codes[code]
	if !ok {
		return ErrNotFound
	}
	if c.Used {
		return ErrInvalidState
	}
	c.Used = true
	return nil
}

type memRefresh struct{ m *MemoryStore }

func (s memRefresh) Create(_ context.Context, tok *RefreshToken) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *tok
	s.m.refresh[tok.ID] = &cp
	return nil
}

func (s memRefresh) Find(_ context.Context, id string) (*RefreshToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, ok := s.m.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s memRefresh) MarkRevoked(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, ok := s.m.refresh[id]
	if !ok {
		return ErrNotFound
	}
	if tok.Revoked {
		return ErrInvalidState
	}
	tok.Revoked = true
	return nil
}

func (s memRefresh) MarkRevokedByUser(_ context.Context, userID int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, tok := range s.m.refresh {
		if tok.UserID == userID {
			tok.Revoked = true
		}
	}
	return nil
}

// MemoryOTPStore keeps passcodes in two mutex-guarded maps.
type MemoryOTPStore struct {
	mu        sync.Mutex
	seq       uint64
	pending   map[string]memOTP
	validated map[string]memOTP
}

type memOTP struct {
	PendingOTP
	seq uint64
}

// NewMemoryOTPStore returns an empty store.
func NewMemoryOTPStore() *MemoryOTPStore {
	return &MemoryOTPStore{
		pending:   make(map[string]memOTP),
		validated: make(map[string]memOTP),
	}
}

func (s *MemoryOTPStore) PutPending(_ context.Context, otp PendingOTP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.pending[otp.Key] = memOTP{PendingOTP: otp, seq: s.seq}
	return nil
}

func (s *MemoryOTPStore) GetPending(_ context.Context, key string) (PendingOTP, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[key]
	return e.PendingOTP, ok, nil
}

func (s *MemoryOTPStore) DeletePending(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	return nil
}

func (s *MemoryOTPStore) Promote(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[key]
	if !ok {
		return false, nil
	}
	delete(s.pending, key)
	s.validated[key] = e
	return true, nil
}

func (s *MemoryOTPStore) GetValidated(_ context.Context, key string) (PendingOTP, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.validated[key]
	return e.PendingOTP, ok, nil
}

func (s *MemoryOTPStore) Consume(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.validated[key]; !ok {
		return false, nil
	}
	delete(s.validated, key)
	return true, nil
}

func (s *MemoryOTPStore) PendingByEmail(_ context.Context, email string) ([]PendingOTP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []memOTP
	for _, e := range s.pending {
		if e.Email == email {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]PendingOTP, len(entries))
	for i, e := range entries {
		out[i] = e.PendingOTP
	}
	return out, nil
}

// MemoryDenylist tracks revoked token ids in process memory.
type MemoryDenylist struct {
	mu        sync.Mutex
	now       func() time.Time
	entries   map[string]time.Time
	lastSweep time.Time
}

// NewMemoryDenylist returns an empty denylist; a nil clock means time.Now.
func NewMemoryDenylist(clock func() time.Time) *MemoryDenylist {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryDenylist{now: clock, entries: make(map[string]time.Time)}
}

func (d *MemoryDenylist) Revoke(_ context.Context, tokenID string, until time.Time) error {
	if tokenID == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepLocked()
	d.entries[tokenID] = until
	return nil
}

// sweepLocked drops expired ids at most once a minute.
func (d *MemoryDenylist) sweepLocked() {
	now := d.now()
	if now.Sub(d.lastSweep) < time.Minute {
		return
	}
	for id, until := range d.entries {
		if !now.Before(until) {
			delete(d.entries, id)
		}
	}
	d.lastSweep = now
}

func (d *MemoryDenylist) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !d.now().Before(until) {
		delete(d.entries, tokenID)
		return false, nil
	}
	return true, nil
}
