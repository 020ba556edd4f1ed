package routes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse.dev/internal/auth"
)

func TestTableLookup(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Register("POST /api/v1/auth/login", Public()))
	require.NoError(t, table.Register("GET /api/v1/auth/session", OptionalAuth()))
	require.NoError(t, table.Register("GET /api/v1/users", Roles(auth.RoleAdmin)))

	assert.True(t, table.Lookup("POST /api/v1/auth/login").Public)
	assert.True(t, table.Lookup("GET /api/v1/auth/session").OptionalAuth)
	assert.Equal(t, []auth.Role{auth.RoleAdmin}, table.Lookup("GET /api/v1/users").AllowedRoles)

	fallback := table.Lookup("GET /unregistered")
	assert.False(t, fallback.Public)
	assert.False(t, fallback.OptionalAuth)
	assert.Empty(t, fallback.AllowedRoles)

	assert.Equal(t, []string{
		"GET /api/v1/auth/session",
		"GET /api/v1/users",
		"POST /api/v1/auth/login",
	}, table.Patterns())
}

func TestTableRejectsBadRegistrations(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Register("GET /x", Public()))
	require.Error(t, table.Register("GET /x", Authenticated()))
	require.Error(t, table.Register("", Public()))
	require.Error(t, table.Register("GET /y", Policy{Public: true, OptionalAuth: true}))
}

func TestTableCopiesRoles(t *testing.T) {
	roles := []auth.Role{auth.RoleAdmin}
	table := NewTable()
	require.NoError(t, table.Register("GET /x", Policy{AllowedRoles: roles}))
	roles[0] = auth.RoleUser
	assert.Equal(t, auth.RoleAdmin, table.Lookup("GET /x").AllowedRoles[0])
}

func TestPolicyAdmits(t *testing.T) {
	admin := auth.Principal{UserID: "u1", Role: auth.RoleAdmin}
	user := auth.Principal{UserID: "u2", Role: auth.RoleUser}

	assert.True(t, Authenticated().Admits(user))
	assert.True(t, Roles(auth.RoleAdmin).Admits(admin))
	assert.False(t, Roles(auth.RoleAdmin).Admits(user))
	assert.True(t, Roles(auth.RoleAdmin, auth.RoleUser).Admits(user))
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "public", Public().String())
	assert.Equal(t, "optional", OptionalAuth().String())
	assert.Equal(t, "authenticated", Authenticated().String())
	assert.Equal(t, "roles(ADMIN,USER)", Roles(auth.RoleAdmin, auth.RoleUser).String())
}

func TestWhitelist(t *testing.T) {
	w, err := NewWhitelist(DefaultWhitelist...)
	require.NoError(t, err)

	for _, path := range []string{
		"/api/v1/docs",
		"/api/v1/docs/",
		"/api/v1/docs/openapi.json",
		"/swagger-ui/assets/app.js",
		"/api-docs",
		"/favicon.ico",
		"/metrics",
	} {
		assert.True(t, w.Match(path), path)
	}
	for _, path := range []string{
		"/api/v1/users",
		"/api/v1/docsx",
		"/favicon.ico/extra",
		"/metrics/x",
	} {
		assert.False(t, w.Match(path), path)
	}
}

func TestWhitelistSingleStarStaysInSegment(t *testing.T) {
	w, err := NewWhitelist("/static/*.css")
	require.NoError(t, err)
	assert.True(t, w.Match("/static/site.css"))
	assert.False(t, w.Match("/static/nested/site.css"))
}

func TestNilWhitelist(t *testing.T) {
	var w *Whitelist
	assert.False(t, w.Match("/anything"))
}
