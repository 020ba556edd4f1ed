package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/email"
	"gatehouse.dev/internal/events"
	"gatehouse.dev/internal/revocation"
)

type memStore struct {
	mu    sync.Mutex
	users map[string]*auth.User
	seq   int
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*auth.User)}
}

func (m *memStore) Create(_ context.Context, u *auth.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return auth.ErrEmailUsed
		}
	}
	m.seq++
	if u.ID == "" {
		u.ID = fmt.Sprintf("user-%03d", m.seq)
	}
	if u.Role == "" {
		u.Role = auth.RoleUser
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) Find(_ context.Context, id string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) FindByEmail(_ context.Context, addr string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr = auth.NormalizeEmail(addr)
	for _, u := range m.users {
		if u.Email == addr {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memStore) List(_ context.Context, limit, offset int) ([]*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []*auth.User
	for _, u := range m.users {
		if u.Active() {
			cp := *u
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	if offset >= len(active) {
		return nil, nil
	}
	active = active[offset:]
	if len(active) > limit {
		active = active[:limit]
	}
	return active, nil
}

func (m *memStore) UpdatePassword(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = &hash
	return nil
}

func (m *memStore) Reactivate(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = &hash
	u.Role = auth.RoleUser
	u.DeletedAt = nil
	return nil
}

type failingProbe struct{ err error }

func (p failingProbe) Check(context.Context) error { return p.err }

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	codec *auth.TokenCodec
	store *memStore
	rdb   *redis.Client
	mr    *miniredis.Miniredis
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	codec := newCodec(t, time.Now)
	store := newMemStore()
	revocations := revocation.New(rdb, 8*24*time.Hour)
	svc, err := auth.NewService(store, codec, revocations, events.NewPublisher(rdb),
		auth.WithFrontendURL("https://app.example.com"))
	require.NoError(t, err)

	api, err := New(svc, codec, revocations, nil, Options{
		Version:     "test",
		FrontendURL: "https://app.example.com",
		RateBurst:   1000,
		RatePerSec:  1000,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		codec:   codec,
		store:   store,
		rdb:     rdb,
		mr:      mr,
	}
}

func (c *apiClient) seed(addr, password string, role auth.Role) *auth.User {
	c.t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(c.t, err)
	u := &auth.User{Email: addr, PasswordHash: &hash, Role: role}
	require.NoError(c.t, c.store.Create(context.Background(), u))
	return u
}

func (c *apiClient) send(method, path string, body any, headers map[string]string, cookies ...*http.Cookie) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string, cookies ...*http.Cookie) *http.Response {
	c.t.Helper()
	return c.send(http.MethodPost, path, body, headers, cookies...)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.send(http.MethodGet, path, nil, headers)
}

type session struct {
	access  string
	refresh *http.Cookie
	user    userProfile
}

func (s session) bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.access}
}

func (c *apiClient) login(addr, password string) session {
	c.t.Helper()
	resp := c.post("/api/v1/auth/login", map[string]any{"email": addr, "password": password}, nil)
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)
	return c.session(resp)
}

func (c *apiClient) session(resp *http.Response) session {
	c.t.Helper()
	body := decode[struct {
		Status int               `json:"status"`
		Data   authTokenResponse `json:"data"`
	}](c.t, resp)
	require.NotEmpty(c.t, body.Data.AccessToken)
	ck := refreshCookieOf(resp)
	require.NotNil(c.t, ck, "refresh cookie not set")
	return session{access: body.Data.AccessToken, refresh: ck, user: body.Data.User}
}

func refreshCookieOf(resp *http.Response) *http.Cookie {
	for _, ck := range resp.Cookies() {
		if ck.Name == refreshCookie {
			return ck
		}
	}
	return nil
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(r.Body).Decode(&v))
	return v
}

func errorCode(t *testing.T, r *http.Response) string {
	t.Helper()
	return decode[ErrorResponse](t, r).Code
}

func TestLoginIssuesTokensWithStoredRole(t *testing.T) {
	api := newTestAPI(t)
	admin := api.seed("admin@example.com", "secret-1", auth.RoleAdmin)

	resp := api.post("/api/v1/auth/login", map[string]any{"email": "Admin@Example.com", "password": "secret-1"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	s := api.session(resp)

	claims, err := api.codec.Verify(auth.KindAccess, s.access)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, claims.Subject)
	assert.Equal(t, auth.RoleAdmin, claims.Role)
	assert.Equal(t, "admin@example.com", s.user.Email)

	assert.True(t, s.refresh.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, s.refresh.SameSite)
	assert.Equal(t, "/", s.refresh.Path)
	assert.Equal(t, int((7 * 24 * time.Hour).Seconds()), s.refresh.MaxAge)
	_, err = api.codec.Verify(auth.KindRefresh, s.refresh.Value)
	require.NoError(t, err)
}

func TestLoginFailures(t *testing.T) {
	api := newTestAPI(t)
	api.seed("bob@example.com", "secret-1", auth.RoleUser)

	resp := api.post("/api/v1/auth/login", map[string]any{"email": "bob@example.com", "password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeInvalidCredentials, errorCode(t, resp))

	resp = api.post("/api/v1/auth/login", map[string]any{"email": "nobody@example.com", "password": "secret-1"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeInvalidCredentials, errorCode(t, resp))

	resp = api.post("/api/v1/auth/login", map[string]any{"email": "not-an-email", "password": ""}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, CodeValidation, body.Code)
	assert.Contains(t, body.Errors, "email")
	assert.Contains(t, body.Errors, "password")

	resp = api.post("/api/v1/auth/login", map[string]any{"email": "bob@example.com", "password": "x", "extra": 1}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, resp))
}

func TestRegister(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/api/v1/auth/register", map[string]any{"email": "new@example.com", "password": "secret-1"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	s := api.session(resp)
	assert.Equal(t, auth.RoleUser, s.user.Role)
	assert.Nil(t, s.user.FirstName)

	resp = api.post("/api/v1/auth/register", map[string]any{"email": "new@example.com", "password": "secret-2"}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeEmailUsed, errorCode(t, resp))

	resp = api.post("/api/v1/auth/register", map[string]any{"email": "short@example.com", "password": "12345"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, CodeValidation, body.Code)
	assert.Contains(t, body.Errors, "password")
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	api := newTestAPI(t)
	api.seed("bob@example.com", "secret-1", auth.RoleUser)
	s := api.login("bob@example.com", "secret-1")

	resp := api.post("/api/v1/auth/logout", nil, s.bearer())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	cleared := refreshCookieOf(resp)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)

	resp = api.post("/api/v1/auth/refresh", nil, nil, s.refresh)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthorized, errorCode(t, resp))

	resp = api.get("/api/v1/me/profile", nil, s.bearer())
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a fresh login in the same second still works
	again := api.login("bob@example.com", "secret-1")
	resp = api.get("/api/v1/me/profile", nil, again.bearer())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRefreshRotatesCookie(t *testing.T) {
	api := newTestAPI(t)
	api.seed("bob@example.com", "secret-1", auth.RoleUser)
	s := api.login("bob@example.com", "secret-1")

	resp := api.post("/api/v1/auth/refresh", nil, nil, s.refresh)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rotated := api.session(resp)
	assert.NotEqual(t, s.refresh.Value, rotated.refresh.Value)

	resp = api.get("/api/v1/me/profile", nil, rotated.bearer())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the pre-rotation token is spent
	resp = api.post("/api/v1/auth/refresh", nil, nil, s.refresh)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = api.post("/api/v1/auth/refresh", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeTokenRequired, errorCode(t, resp))
}

func TestRoleRestrictedEndpointIsForbidden(t *testing.T) {
	api := newTestAPI(t)
	api.seed("bob@example.com", "secret-1", auth.RoleUser)
	s := api.login("bob@example.com", "secret-1")

	resp := api.get("/api/v1/users", nil, s.bearer())
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeOperationNotAllowed, errorCode(t, resp))
}

func TestListUsersPaginates(t *testing.T) {
	api := newTestAPI(t)
	api.seed("admin@example.com", "secret-1", auth.RoleAdmin)
	for i := 0; i < 4; i++ {
		api.seed(fmt.Sprintf("user%d@example.com", i), "secret-1", auth.RoleUser)
	}
	s := api.login("admin@example.com", "secret-1")

	type page struct {
		Data     []userProfile `json:"data"`
		Metadata listMetadata  `json:"metadata"`
	}

	resp := api.get("/api/v1/users", url.Values{"page": {"1"}, "size": {"2"}}, s.bearer())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[page](t, resp)
	assert.Len(t, first.Data, 2)
	assert.True(t, first.Metadata.Pagination.HasNextPage)
	assert.False(t, first.Metadata.Pagination.HasPreviousPage)

	resp = api.get("/api/v1/users", url.Values{"page": {"3"}, "size": {"2"}}, s.bearer())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	last := decode[page](t, resp)
	assert.Len(t, last.Data, 1)
	assert.False(t, last.Metadata.Pagination.HasNextPage)
	assert.True(t, last.Metadata.Pagination.HasPreviousPage)

	resp = api.get("/api/v1/users", url.Values{"size": {"1000"}}, s.bearer())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestForgotAndResetPassword(t *testing.T) {
	api := newTestAPI(t)
	bob := api.seed("bob@example.com", "secret-1", auth.RoleUser)
	old := api.login("bob@example.com", "secret-1")

	resp := api.post("/api/v1/auth/forgot-password", map[string]any{"email": "bob@example.com"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	msgs, err := api.rdb.XRange(context.Background(), email.Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	env, err := events.EnvelopeFrom(email.Stream, msgs[0])
	require.NoError(t, err)
	var ev email.SendEvent
	require.NoError(t, env.Decode(&ev))
	assert.Equal(t, "bob@example.com", ev.To)
	assert.Equal(t, email.TemplateResetPassword, ev.TemplateName)

	link, ok := ev.Variables["resetLink"].(string)
	require.True(t, ok)
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", u.Host)
	assert.Equal(t, "/reset-password", u.Path)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)
	sub, err := auth.SubjectUnverified(token)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, sub)

	resp = api.post("/api/v1/auth/reset-password", map[string]any{"token": token, "password": "secret-2"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// reset tokens are single use: the hash they were bound to has changed
	resp = api.post("/api/v1/auth/reset-password", map[string]any{"token": token, "password": "secret-3"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = api.get("/api/v1/me/profile", nil, old.bearer())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	api.login("bob@example.com", "secret-2")
}

func TestForgotPasswordUnknownEmailIsSilent(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/api/v1/auth/forgot-password", map[string]any{"email": "ghost@example.com"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	n, err := api.rdb.XLen(context.Background(), email.Stream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChangePassword(t *testing.T) {
	api := newTestAPI(t)
	api.seed("bob@example.com", "secret-1", auth.RoleUser)
	s := api.login("bob@example.com", "secret-1")

	patch := func(body map[string]any, headers map[string]string) *http.Response {
		return api.send(http.MethodPatch, "/api/v1/auth/password", body, headers)
	}

	resp := patch(map[string]any{"password": "wrong", "newPassword": "secret-2"}, s.bearer())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodePasswordNotMatch, errorCode(t, resp))

	resp = patch(map[string]any{"newPassword": "secret-2"}, s.bearer())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, resp))

	resp = patch(map[string]any{"password": "secret-1", "newPassword": "123"}, s.bearer())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeValidation, errorCode(t, resp))

	resp = patch(map[string]any{"password": "secret-1", "newPassword": "secret-2"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = patch(map[string]any{"password": "secret-1", "newPassword": "secret-2"}, s.bearer())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	api.login("bob@example.com", "secret-2")
}

func TestSessionIsOptional(t *testing.T) {
	api := newTestAPI(t)
	api.seed("bob@example.com", "secret-1", auth.RoleUser)

	type sessionBody struct {
		Data sessionResponse `json:"data"`
	}

	resp := api.get("/api/v1/auth/session", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[sessionBody](t, resp).Data.Authenticated)

	resp = api.get("/api/v1/auth/session", nil, map[string]string{"Authorization": "Bearer expired.or.broken"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[sessionBody](t, resp).Data.Authenticated)

	s := api.login("bob@example.com", "secret-1")
	resp = api.get("/api/v1/auth/session", nil, s.bearer())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[sessionBody](t, resp).Data
	assert.True(t, got.Authenticated)
	assert.Equal(t, s.user.ID, got.UserID)
}

func TestProfile(t *testing.T) {
	api := newTestAPI(t)
	bob := api.seed("bob@example.com", "secret-1", auth.RoleUser)
	s := api.login("bob@example.com", "secret-1")

	resp := api.get("/api/v1/me/profile", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp = api.get("/api/v1/me/profile", nil, s.bearer())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Status int         `json:"status"`
		Data   userProfile `json:"data"`
	}](t, resp)
	assert.Equal(t, http.StatusOK, body.Status)
	assert.Equal(t, bob.ID, body.Data.ID)
}

func TestRouterFallbacks(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/api/v1/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, errorCode(t, resp))

	resp = api.get("/api/v1/auth/login", nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	assert.Equal(t, CodeMethodNotAllowed, errorCode(t, resp))
}

func TestProbes(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, resp)["status"])

	resp = api.get("/readyz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.get("/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.get("/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzReportsProbeFailure(t *testing.T) {
	codec := newCodec(t, time.Now)
	svc, err := auth.NewService(newMemStore(), codec, &fakeRevocationStore{}, nopPublisher{})
	require.NoError(t, err)
	api, err := New(svc, codec, &fakeRevocations{}, failingProbe{err: errors.New("postgres: refused")}, Options{})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "refused")
}

func TestForgotPasswordSucceedsWhileRedisIsDown(t *testing.T) {
	api := newTestAPI(t)
	api.seed("bob@example.com", "secret-1", auth.RoleUser)
	api.mr.Close()

	resp := api.post("/api/v1/auth/forgot-password", map[string]any{"email": "bob@example.com"}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRoutePolicies(t *testing.T) {
	codec := newCodec(t, time.Now)
	svc, err := auth.NewService(newMemStore(), codec, &fakeRevocationStore{}, nopPublisher{})
	require.NoError(t, err)
	api, err := New(svc, codec, &fakeRevocations{}, nil, Options{})
	require.NoError(t, err)

	table := api.Policies()
	cases := map[string]string{
		"GET /healthz":                "public",
		"GET /metrics":                "public",
		"POST /api/v1/auth/login":     "public",
		"POST /api/v1/auth/refresh":   "public",
		"POST /api/v1/auth/logout":    "authenticated",
		"PATCH /api/v1/auth/password": "authenticated",
		"GET /api/v1/auth/session":    "optional",
		"GET /api/v1/me/profile":      "authenticated",
		"GET /api/v1/users":           "roles(ADMIN)",
		"/":                           "public",
	}
	for pattern, want := range cases {
		assert.Contains(t, table.Patterns(), pattern)
		assert.Equal(t, want, table.Lookup(pattern).String(), pattern)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, nil, nil, Options{})
	assert.Error(t, err)
}

type fakeRevocationStore struct{ fakeRevocations }

func (f *fakeRevocationStore) InvalidateAllBefore(context.Context, string, time.Time) error {
	return nil
}

func (f *fakeRevocationStore) Cutoff(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

type nopPublisher struct{}

func (nopPublisher) Emit(context.Context, string, any) string { return "" }
