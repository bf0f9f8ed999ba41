// Package auth guards the dashboard with a single operator account from
// config: constant-time username check, bcrypt password check, and a
// securecookie session. With no account configured the guard stands aside.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

const (
	cookieName = "wodsched_session"
	cookieAge  = 14 * 24 * time.Hour
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Store struct {
	sc       *securecookie.SecureCookie
	username string
	hash     string
}

type ctxKey string

const userKey ctxKey = "user"

// NewStore builds the guard. username and passwordHash come from the
// dashboard config section; empty values disable the login entirely.
func NewStore(hashKey, blockKey []byte, username, passwordHash string) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(cookieAge.Seconds()))
	return &Store{sc: sc, username: username, hash: passwordHash}
}

// Enabled reports whether an operator account is configured.
func (s *Store) Enabled() bool {
	return s.username != "" && s.hash != ""
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

func (s *Store) Authenticate(username, password string) error {
	if !s.Enabled() {
		return errors.New("dashboard login is not configured")
	}
	// Run both checks regardless, so a bad username costs the same as a bad
	// password.
	userOK := secureEq(username, s.username)
	passOK := CheckPassword(s.hash, password)
	if !userOK || !passOK {
		return ErrInvalidCredentials
	}
	return nil
}

type Session struct {
	Username string
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, username string) error {
	val := map[string]any{"user": username, "v": 1}
	encoded, err := s.sc.Encode(cookieName, val)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil, // ok for local http; secure in https
		MaxAge:   int(cookieAge.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	val := map[string]any{}
	if err := s.sc.Decode(cookieName, c.Value, &val); err != nil {
		return Session{}, false
	}
	user, ok := val["user"].(string)
	if !ok || user == "" {
		return Session{}, false
	}
	// A stale cookie from before a username change is not a session.
	if !secureEq(user, s.username) {
		return Session{}, false
	}
	return Session{Username: user}, true
}

// RequireAuth redirects anonymous requests to /login. When no operator
// account is configured it lets everything through.
func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		sess, ok := s.GetSession(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, sess.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(userKey).(string)
	return user, ok
}

func secureEq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
