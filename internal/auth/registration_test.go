package auth

import (
	"context"
	"errors"
	"testing"
)

func newRegistrar(t *testing.T) (*Registrar, *MemoryStore, *OTPService, *captureSender) {
	t.Helper()
	store := NewMemoryStore()
	otp, sender, _ := newOTPFixture(t)
	return NewRegistrar(store, otp, nil), store, otp, sender
}

func TestRegisterUserConsumesOTP(t *testing.T) {
	reg, store, otp, sender := newRegistrar(t)
	ctx := context.Background()

	key, err := otp.Initiate(ctx, "new@example.com")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	req := RegistrationRequest{
		Username:     "newbie",
		Email:        " New@Example.com",
		Password:     "pw",
		OTPKey:       key,
		OTP:          sender.last("new@example.com"),
		ProviderID:   4,
		ProviderCode: "ACME",
	}
	user, err := reg.RegisterUser(ctx, req)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if user.Email != "new@example.com" || !user.Enabled || user.PasswordHash == "pw" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if err := VerifyPassword(user.PasswordHash, "pw"); err != nil {
		t.Fatalf("stored hash does not verify: %v", err)
	}
	mapping, err := store.Mappings().FindActive(ctx, user.ID, "ACME")
	if err != nil || mapping.ProviderID != 4 {
		t.Fatalf("expected active mapping, got %+v %v", mapping, err)
	}
	exists, err := reg.UserExists(ctx, "NEW@example.com")
	if err != nil || !exists {
		t.Fatalf("UserExists = %v, %v", exists, err)
	}

	req.Email = "other@example.com"
	if _, err := reg.RegisterUser(ctx, req); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reused otp key: %v", err)
	}
}

func TestRegisterUserRejections(t *testing.T) {
	reg, store, otp, sender := newRegistrar(t)
	ctx := context.Background()
	seedUser(t, store, "taken@example.com", "pw", true)

	if _, err := reg.RegisterUser(ctx, RegistrationRequest{Username: "u", Email: "a@b.com", Password: "pw"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("missing otp key: %v", err)
	}
	if _, err := reg.RegisterUser(ctx, RegistrationRequest{Email: "a@b.com", Password: "pw", OTPKey: "k"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("missing username: %v", err)
	}
	if _, err := reg.RegisterUser(ctx, RegistrationRequest{Username: "u", Email: "a@b.com", Password: "pw", OTPKey: "never-issued"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("unverified key: %v", err)
	}

	key, _ := otp.Initiate(ctx, "taken@example.com")
	if ok, _ := otp.Verify(ctx, key, "taken@example.com", sender.last("taken@example.com")); !ok {
		t.Fatalf("verify failed")
	}
	if _, err := reg.RegisterUser(ctx, RegistrationRequest{Username: "u", Email: "taken@example.com", Password: "pw", OTPKey: key}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("duplicate email: %v", err)
	}
}

func TestResetPassword(t *testing.T) {
	reg, store, otp, sender := newRegistrar(t)
	ctx := context.Background()
	user := seedUser(t, store, "reset@example.com", "old", true)

	key, _ := otp.Initiate(ctx, "reset@example.com")
	if err := reg.ResetPassword(ctx, key, "reset@example.com", sender.last("reset@example.com"), "new"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	stored, _ := store.Users().Find(ctx, user.ID)
	if VerifyPassword(stored.PasswordHash, "new") != nil {
		t.Fatalf("password was not replaced")
	}
	if err := reg.ResetPassword(ctx, key, "reset@example.com", "", "again"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reused key: %v", err)
	}
}

func TestDirectoryValidation(t *testing.T) {
	store := NewMemoryStore()
	dir, err := NewDirectory(store)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	ctx := context.Background()
	if _, err := dir.CreateAuthority(ctx, " ", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank authority: %v", err)
	}
	if _, err := dir.CreateRole(ctx, "R", "", "", []string{"MISSING"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown authority: %v", err)
	}
	if _, err := dir.CreateAuthority(ctx, "READ", "Read", ""); err != nil {
		t.Fatalf("CreateAuthority: %v", err)
	}
	if _, err := dir.CreateAuthority(ctx, "READ", "Read", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate authority: %v", err)
	}
	role, err := dir.CreateRole(ctx, "VIEWER", "Viewer", "SYSTEM", []string{"READ", "READ"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if len(role.Authorities) != 1 || role.Authorities[0].Code != "READ" {
		t.Fatalf("unexpected role authorities: %+v", role.Authorities)
	}

	user := seedUser(t, store, "m@example.com", "pw", true)
	m, err := dir.CreateMapping(ctx, MappingRequest{UserID: user.ID, ProviderID: 1, ProviderCode: "ACME", RoleCodes: []string{"VIEWER"}})
	if err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if m.Status != MappingRequested {
		t.Fatalf("default status = %s", m.Status)
	}
	if err := dir.SetMappingStatus(ctx, m.ID, "active"); err != nil {
		t.Fatalf("SetMappingStatus: %v", err)
	}
	if err := dir.SetMappingStatus(ctx, m.ID, "BOGUS"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("bogus status: %v", err)
	}
	active, err := store.Mappings().FindActive(ctx, user.ID, "ACME")
	if err != nil || len(active.Roles) != 1 || active.Roles[0].Authorities[0].Code != "READ" {
		t.Fatalf("unexpected active mapping: %+v %v", active, err)
	}
	if _, err := dir.CreateMapping(ctx, MappingRequest{UserID: user.ID, ProviderCode: "ACME", Status: MappingActive}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second active mapping: %v", err)
	}
	if _, err := dir.CreateClient(ctx, ClientRegistration{Name: "x"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("client without redirect: %v", err)
	}
}
