package auth

// Grants guarding the directory administration endpoints.
const (
	GrantAdminAuthority = "CDB.ADMIN"
	GrantPlatformAdmin  = RolePrefix + "PLATFORM_ADMIN"
)

// AdminGrants lists grants accepted for administration.
var AdminGrants = []string{GrantAdminAuthority, GrantPlatformAdmin}
