package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"cdb.platformcommons.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestUserCreateAndConflict(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("insert into users").
		WithArgs("ana", "ana@example.org", "hash", true, false).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))
	u := &auth.User{Username: "ana", Email: "ana@example.org", PasswordHash: "hash", Enabled: true}
	if err := store.Users().Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID != 7 || !u.CreatedAt.Equal(now) {
		t.Fatalf("unexpected user after insert: %+v", u)
	}

	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	err := store.Users().Create(ctx, &auth.User{Username: "ana", Email: "ana@example.org"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUserFindByEmail(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{"id", "username", "email", "password_hash", "enabled", "mfa_enabled", "last_login", "created_at", "updated_at"}

	mock.ExpectQuery("select .* from users where email = \\$1").
		WithArgs("ana@example.org").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(3, "ana", "ana@example.org", "hash", true, false, now, now, now))
	u, err := store.Users().FindByEmail(ctx, "ana@example.org")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != 3 || u.LastLogin == nil || !u.LastLogin.Equal(now) {
		t.Fatalf("unexpected user: %+v", u)
	}

	mock.ExpectQuery("select .* from users where email = \\$1").
		WithArgs("nobody@example.org").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Users().FindByEmail(ctx, "nobody@example.org"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserSetEnabledMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update users set enabled").
		WithArgs(int64(99), false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Users().SetEnabled(context.Background(), 99, false); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMappingFindActiveGroupsAuthorities(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("from user_provider_mappings").
		WithArgs(int64(3), "ACME").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "provider_id", "provider_code", "status", "mapped_at"}).
			AddRow(11, 3, 5, "ACME", "ACTIVE", now))
	mock.ExpectQuery("from mapping_roles").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"r.id", "r.code", "r.label", "r.type", "a.id", "a.code", "a.name", "a.process_area"}).
			AddRow(1, "ADMIN", "Admin", "SYSTEM", 100, "USER.READ", "Read users", "users").
			AddRow(1, "ADMIN", "Admin", "SYSTEM", 101, "USER.WRITE", nil, nil).
			AddRow(2, "VIEWER", nil, nil, nil, nil, nil, nil))

	m, err := store.Mappings().FindActive(context.Background(), 3, "ACME")
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if m.Status != auth.MappingActive || len(m.Roles) != 2 {
		t.Fatalf("unexpected mapping: %+v", m)
	}
	if len(m.Roles[0].Authorities) != 2 || m.Roles[0].Authorities[1].Code != "USER.WRITE" {
		t.Fatalf("unexpected authorities: %+v", m.Roles[0].Authorities)
	}
	if m.Roles[1].Code != "VIEWER" || len(m.Roles[1].Authorities) != 0 {
		t.Fatalf("unexpected second role: %+v", m.Roles[1])
	}
}

func TestMappingCreateDuplicateActive(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("insert into user_provider_mappings").
		WithArgs(int64(3), int64(5), "ACME", "ACTIVE").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	err := store.Mappings().Create(context.Background(), &auth.UserProviderMapping{
		UserID: 3, ProviderID: 5, ProviderCode: "ACME", Status: auth.MappingActive,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMappingCreateRejectsUnknownStatus(t *testing.T) {
	store, _ := newMock(t)
	err := store.Mappings().Create(context.Background(), &auth.UserProviderMapping{UserID: 1, ProviderCode: "X", Status: "BOGUS"})
	if !errors.Is(err, auth.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAssignRolesUnknownRole(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select coalesce").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(0))
	mock.ExpectExec("insert into mapping_roles").
		WithArgs(int64(11), "GHOST", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("GHOST").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := store.Mappings().AssignRoles(context.Background(), 11, []string{"GHOST"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRoleLinksAuthorities(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into role_master").
		WithArgs("ADMIN", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
	mock.ExpectExec("insert into role_authorities").
		WithArgs(int64(4), "USER.READ", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into role_authorities").
		WithArgs(int64(4), "MISSING", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	role := &auth.Role{Code: "ADMIN", Label: "Admin"}
	err := store.Roles().CreateRole(context.Background(), role, []string{"USER.READ", "MISSING"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientRoundTripsJSONLists(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("insert into oauth2_clients").
		WithArgs("cdb_abc", "secret-hash", "Portal", []byte(`["https://app/cb"]`), []byte(`["read"]`),
			[]byte(`["authorization_code"]`), true, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, now))
	err := store.Clients().Create(ctx, &auth.OAuthClient{
		ClientID: "cdb_abc", SecretHash: "secret-hash", Name: "Portal",
		RedirectURIs: []string{"https://app/cb"}, Scopes: []string{"read"},
		GrantTypes: []string{"authorization_code"}, RequirePKCE: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cols := []string{"id", "client_id", "client_secret_hash", "name", "redirect_uris", "scopes", "grant_types",
		"require_pkce", "require_consent", "logo_url", "description", "created_at"}
	mock.ExpectQuery("from oauth2_clients where client_id").
		WithArgs("cdb_abc").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(2, "cdb_abc", "secret-hash", "Portal",
			[]byte(`["https://app/cb","https://app/alt"]`), []byte(`["read","write"]`), []byte(`["authorization_code"]`),
			true, true, nil, nil, now))
	c, err := store.Clients().FindByClientID(ctx, "cdb_abc")
	if err != nil {
		t.Fatalf("FindByClientID: %v", err)
	}
	if !c.AllowsRedirect("https://app/alt") || len(c.Scopes) != 2 || !c.AllowsGrant(auth.GrantAuthorizationCode) {
		t.Fatalf("unexpected client: %+v", c)
	}
}

func TestCodeMarkUsedOutcomes(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("update oauth2_authorization_codes set used = true").
		WithArgs("fresh").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Codes().MarkUsed(ctx, "fresh"); err != nil {
		t.Fatalf("MarkUsed fresh: %v", err)
	}

	mock.ExpectExec("update oauth2_authorization_codes set used = true").
		WithArgs("spent").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("spent").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	if err := store.Codes().MarkUsed(ctx, "spent"); !errors.Is(err, auth.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	mock.ExpectExec("update oauth2_authorization_codes set used = true").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if err := store.Codes().MarkUsed(ctx, "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCodeFindUnusedMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from oauth2_authorization_codes").
		WithArgs("used-code").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Codes().FindUnused(context.Background(), "used-code"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("insert into refresh_tokens").
		WithArgs("rt-1", int64(3), "h", now.Add(time.Hour), false).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	if err := store.RefreshTokens().Create(ctx, &auth.RefreshToken{ID: "rt-1", UserID: 3, TokenHash: "h", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectExec("update refresh_tokens set revoked = true where id").
		WithArgs("rt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.RefreshTokens().MarkRevoked(ctx, "rt-1"); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}

	mock.ExpectExec("update refresh_tokens set revoked = true where id").
		WithArgs("rt-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("rt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	if err := store.RefreshTokens().MarkRevoked(ctx, "rt-1"); !errors.Is(err, auth.ErrInvalidState) {
		t.Fatalf("second MarkRevoked: want ErrInvalidState, got %v", err)
	}

	mock.ExpectExec("update refresh_tokens set revoked = true where id").
		WithArgs("rt-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("rt-missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if err := store.RefreshTokens().MarkRevoked(ctx, "rt-missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("MarkRevoked missing: want ErrNotFound, got %v", err)
	}

	mock.ExpectExec("update refresh_tokens set revoked = true where user_id").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	if err := store.RefreshTokens().MarkRevokedByUser(ctx, 3); err != nil {
		t.Fatalf("MarkRevokedByUser: %v", err)
	}
}
