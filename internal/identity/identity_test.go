package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dayboard/internal/store"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

type seen struct {
	userID, username, sessionID string
}

func capture(dst *seen) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dst.userID = UserIDFromContext(r.Context())
		dst.username = UsernameFromContext(r.Context())
		dst.sessionID = SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddlewareIssuesAnonymousIdentity(t *testing.T) {
	repo := newRepo(t)
	var got seen
	h := Middleware(repo, true)(capture(&got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, isValidAnonID(got.userID), "unexpected id %q", got.userID)
	assert.True(t, strings.HasPrefix(got.username, "anon-"))
	assert.Equal(t, DefaultSessionIDValue, got.sessionID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.Equal(t, got.userID, cookies[0].Value)
	assert.False(t, cookies[0].Secure, "dev cookies are not secure-only")

	user, err := repo.GetUser(context.Background(), got.userID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, got.username, user.Username)
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	repo := newRepo(t)
	var got seen
	h := Middleware(repo, false)(capture(&got))

	id := "anon_" + strings.Repeat("ab", 16)
	req := httptest.NewRequest(http.MethodGet, "/api/planner", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	req.Header.Set(SessionHeaderName, "tab-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, id, got.userID)
	assert.Equal(t, "tab-42", got.sessionID)
	require.Len(t, rec.Result().Cookies(), 1)
	assert.True(t, rec.Result().Cookies()[0].Secure)
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	repo := newRepo(t)
	var got seen
	h := Middleware(repo, true)(capture(&got))

	req := httptest.NewRequest(http.MethodGet, "/ws/state?tab_id=bad%20tab", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_../../etc"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotEqual(t, "anon_../../etc", got.userID)
	assert.True(t, isValidAnonID(got.userID))
	assert.Equal(t, DefaultSessionIDValue, got.sessionID)
}

func TestEnsureUserBumpsLastSeenWhenIdle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	id := "anon_" + strings.Repeat("cd", 16)

	require.NoError(t, ensureUser(ctx, repo, id))
	stale := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, repo.UpdateLastSeen(ctx, id, stale))

	require.NoError(t, ensureUser(ctx, repo, id))
	user, err := repo.GetUser(ctx, id)
	require.NoError(t, err)
	assert.True(t, user.LastSeenAt.After(stale))
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, UserIDFromContext(ctx))
	assert.Equal(t, DefaultSessionIDValue, SessionIDFromContext(ctx))

	ctx = WithUser(ctx, "anon_0123456789abcdef0123456789abcdef")
	assert.Equal(t, "anon-89abcdef", UsernameFromContext(ctx))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", IPFromRequest(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", IPFromRequest(req))
}
