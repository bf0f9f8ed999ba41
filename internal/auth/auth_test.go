package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	return NewStore(
		securecookie.GenerateRandomKey(32),
		securecookie.GenerateRandomKey(32),
		"admin", hash,
	)
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
}

func TestAuthenticate(t *testing.T) {
	s := testStore(t)
	assert.NoError(t, s.Authenticate("admin", "hunter2"))
	assert.ErrorIs(t, s.Authenticate("admin", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, s.Authenticate("nobody", "hunter2"), ErrInvalidCredentials)
}

func TestAuthenticateDisabled(t *testing.T) {
	s := NewStore(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32), "", "")
	assert.False(t, s.Enabled())
	assert.Error(t, s.Authenticate("admin", "hunter2"))
}

func TestSessionRoundTrip(t *testing.T) {
	s := testStore(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, s.SetSession(w, r, "admin"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.AddCookie(cookies[0])
	sess, ok := s.GetSession(r2)
	require.True(t, ok)
	assert.Equal(t, "admin", sess.Username)
}

func TestGetSessionRejectsTamperedCookie(t *testing.T) {
	s := testStore(t)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: cookieName, Value: "garbage"})
	_, ok := s.GetSession(r)
	assert.False(t, ok)
}

func TestGetSessionRejectsOtherStoresCookie(t *testing.T) {
	s1 := testStore(t)
	s2 := testStore(t)

	w := httptest.NewRecorder()
	require.NoError(t, s1.SetSession(w, httptest.NewRequest(http.MethodPost, "/login", nil), "admin"))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(w.Result().Cookies()[0])

	_, ok := s2.GetSession(r)
	assert.False(t, ok, "keys differ, cookie must not validate")
}

func TestRequireAuth(t *testing.T) {
	s := testStore(t)
	var sawUser string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawUser, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("anonymous is redirected to login", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.RequireAuth(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/login", w.Result().Header.Get("Location"))
	})

	t.Run("session cookie passes through", func(t *testing.T) {
		lw := httptest.NewRecorder()
		require.NoError(t, s.SetSession(lw, httptest.NewRequest(http.MethodPost, "/login", nil), "admin"))
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(lw.Result().Cookies()[0])

		w := httptest.NewRecorder()
		s.RequireAuth(next).ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "admin", sawUser)
	})

	t.Run("disabled store lets everything through", func(t *testing.T) {
		open := NewStore(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32), "", "")
		w := httptest.NewRecorder()
		open.RequireAuth(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
