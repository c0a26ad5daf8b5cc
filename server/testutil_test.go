package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "hivematrix-core"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PublicOrigin = "https://nexus.example.com"
	cfg.CookieSecret = strings.Repeat("k", 32)
	return cfg
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func testRegistry(t *testing.T, entries ...ServiceEntry) *Registry {
	t.Helper()
	r := NewRegistry(testLogger())
	r.Replace(entries)
	return r
}

// fakeAuth stands in for the internal auth service: JWKS publication, token
// validation, exchange, revocation, and service-token minting.
type fakeAuth struct {
	*httptest.Server

	mu             sync.Mutex
	jwks           jose.JSONWebKeySet
	validateStatus int
	valid          bool
	revoked        bool
	exchangeToken  string
	serviceToken   string
	revocations    int
	jwksFetches    int
}

func newFakeAuth(t *testing.T) *fakeAuth {
	t.Helper()
	f := &fakeAuth{
		validateStatus: http.StatusOK,
		valid:          true,
		serviceToken:   unsignedServiceToken(time.Now().Add(time.Hour)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.jwksFetches++
		set := f.jwks
		f.mu.Unlock()
		json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("POST /api/token/validate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status, valid, revoked := f.validateStatus, f.valid, f.revoked
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"valid": valid, "revoked": revoked})
	})
	mux.HandleFunc("POST /api/token/exchange", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		token := f.exchangeToken
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	mux.HandleFunc("POST /api/token/revoke", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.revocations++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/service/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		token := f.serviceToken
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAuth) client(t *testing.T) *AuthClient {
	t.Helper()
	return NewAuthClient(AuthServiceConfig{URL: f.URL, Issuer: testIssuer}, testLogger())
}

func (f *fakeAuth) publishKey(kid string, key *rsa.PrivateKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jwks = jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
}

func (f *fakeAuth) setValidation(status int, valid, revoked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateStatus = status
	f.valid = valid
	f.revoked = revoked
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// signGatewayToken issues a token as the auth service would.
func signGatewayToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = testIssuer
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(15 * time.Minute).Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// unsignedServiceToken builds an alg=none JWT carrying only exp; service
// tokens are only ever inspected for their expiry client-side.
func unsignedServiceToken(exp time.Time) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"exp": exp.Unix()})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		return ""
	}
	return signed
}

// sessionCookie encodes a session state the way the gateway would set it.
func sessionCookie(t *testing.T, sm *SessionManager, state SessionState) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := sm.Save(rec, state); err != nil {
		t.Fatalf("save session: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one session cookie, got %d", len(cookies))
	}
	return cookies[0]
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
