// Package auth implements the password gate protecting the master-side HTTP
// surface. Successful logins receive an HMAC-signed, expiring session cookie;
// protected handlers are wrapped with [Manager.Require].
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CookieName is the session cookie set on successful login.
const CookieName = "liveterp_session"

// ErrBadPassword is returned by [Manager.Login] when the supplied password
// does not match.
var ErrBadPassword = errors.New("auth: wrong password")

// Manager issues and verifies session cookies. It is safe for concurrent use;
// all fields are fixed at construction time.
type Manager struct {
	password []byte
	secret   []byte
	maxAge   time.Duration
	clock    func() time.Time
}

// NewManager creates a Manager gated by password. secretKey signs session
// cookies; when empty a random key is generated, which invalidates existing
// sessions across restarts.
func NewManager(password, secretKey string, maxAge time.Duration) (*Manager, error) {
	secret := []byte(secretKey)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
	}
	if maxAge <= 0 {
		return nil, errors.New("auth: maxAge must be positive")
	}
	return &Manager{
		password: []byte(password),
		secret:   secret,
		maxAge:   maxAge,
		clock:    time.Now,
	}, nil
}

// Login checks password and, when it matches, sets the session cookie on w.
// Comparison is constant-time.
func (m *Manager) Login(w http.ResponseWriter, password string) error {
	if subtle.ConstantTimeCompare(m.password, []byte(password)) != 1 {
		return ErrBadPassword
	}
	expiry := m.clock().Add(m.maxAge)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    m.sign(expiry),
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Logout clears the session cookie on w.
func (m *Manager) Logout(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Authenticated reports whether r carries a valid, unexpired session cookie.
func (m *Manager) Authenticated(r *http.Request) bool {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return false
	}
	return m.verify(c.Value)
}

// Require wraps next so that requests without a valid session receive
// 401 Unauthorized.
func (m *Manager) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Authenticated(r) {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sign produces a cookie value of the form
// base64(expiryUnix).base64(hmac-sha256(expiryUnix)).
func (m *Manager) sign(expiry time.Time) string {
	payload := strconv.FormatInt(expiry.Unix(), 10)
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verify checks the signature and expiry of a cookie value produced by sign.
func (m *Manager) verify(value string) bool {
	payloadB64, sigB64, ok := strings.Cut(value, ".")
	if !ok {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return false
	}

	expiry, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return false
	}
	return m.clock().Unix() < expiry
}
