package server

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	sessionCookieName = "nexus_session"
	sessionVersion    = 1
)

// SessionManager keeps all session state inside a signed and encrypted
// cookie; the server holds nothing per browser.
type SessionManager struct {
	codec  *securecookie.SecureCookie
	logger *slog.Logger
	ttl    time.Duration
	secure bool
}

// NewSessionManager derives the cookie keys from the configured secret.
// The HMAC key is the raw secret; the AES key is a digest of it so the two
// are never identical.
func NewSessionManager(cfg Config, logger *slog.Logger) (*SessionManager, error) {
	if len(cfg.CookieSecret) < 32 {
		return nil, fmt.Errorf("cookie secret too short: %d bytes", len(cfg.CookieSecret))
	}
	blockKey := sha256.Sum256([]byte(cfg.CookieSecret))
	codec := securecookie.New([]byte(cfg.CookieSecret), blockKey[:])
	codec.MaxAge(int(cfg.SessionTTL.Seconds()))

	return &SessionManager{
		codec:  codec,
		logger: logger,
		ttl:    cfg.SessionTTL,
		secure: strings.HasPrefix(cfg.PublicOrigin, "https://"),
	}, nil
}

// Load decodes the session cookie. A missing, tampered, expired, or
// wrong-version cookie yields an empty session, never an error: the request
// proceeds unauthenticated.
func (sm *SessionManager) Load(r *http.Request) SessionState {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return SessionState{}
	}
	var state SessionState
	if err := sm.codec.Decode(sessionCookieName, cookie.Value, &state); err != nil {
		sm.logger.Debug("discarding unreadable session cookie", "error", err)
		return SessionState{}
	}
	if state.Version != sessionVersion {
		sm.logger.Debug("discarding session cookie with stale version", "version", state.Version)
		return SessionState{}
	}
	return state
}

// Save writes the session back to the response.
func (sm *SessionManager) Save(w http.ResponseWriter, state SessionState) error {
	state.Version = sessionVersion
	encoded, err := sm.codec.Encode(sessionCookieName, state)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return nil
}

// Clear emits an expired cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// CookieName exposes the session cookie name so the proxy can strip it from
// forwarded requests.
func (sm *SessionManager) CookieName() string { return sessionCookieName }
