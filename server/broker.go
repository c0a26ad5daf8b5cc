package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const exchangeTimeout = 5 * time.Second

// OAuthBroker drives the authorization-code flow against the IdP and trades
// the resulting access token for a gateway JWT at the auth service.
type OAuthBroker struct {
	oauth         *oauth2.Config
	endSessionURL string
	auth          *AuthClient
	sessions      *SessionManager
	logger        *slog.Logger
}

// NewOAuthBroker resolves the IdP endpoints, via OIDC discovery when only an
// issuer is configured, and prepares the oauth2 client.
func NewOAuthBroker(ctx context.Context, cfg Config, auth *AuthClient, sessions *SessionManager, logger *slog.Logger) (*OAuthBroker, error) {
	endpoint := oauth2.Endpoint{
		AuthURL:  cfg.IdP.AuthorizationURL,
		TokenURL: cfg.IdP.TokenURL,
	}
	endSession := cfg.IdP.EndSessionURL

	if cfg.IdP.Issuer != "" && (endpoint.AuthURL == "" || endpoint.TokenURL == "") {
		provider, err := oidc.NewProvider(ctx, cfg.IdP.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover idp %s: %w", cfg.IdP.Issuer, err)
		}
		endpoint = provider.Endpoint()
		if endSession == "" {
			var extra struct {
				EndSessionEndpoint string `json:"end_session_endpoint"`
			}
			if err := provider.Claims(&extra); err == nil {
				endSession = extra.EndSessionEndpoint
			}
		}
		logger.Info("idp endpoints discovered", "issuer", cfg.IdP.Issuer)
	}

	return &OAuthBroker{
		oauth: &oauth2.Config{
			ClientID:     cfg.IdP.ClientID,
			ClientSecret: cfg.IdP.ClientSecret,
			RedirectURL:  strings.TrimSuffix(cfg.PublicOrigin, "/") + "/auth-callback",
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		endSessionURL: endSession,
		auth:          auth,
		sessions:      sessions,
		logger:        logger,
	}, nil
}

// Begin handles /login: records where the user was headed, stamps a fresh
// state into the session, and bounces the browser to the IdP.
func (b *OAuthBroker) Begin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sess := b.sessions.Load(r)
	sess.OAuthState = state
	sess.Target = sanitizeTarget(r.FormValue("next"))

	if err := b.sessions.Save(w, sess); err != nil {
		b.logger.Error("saving login session failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, b.oauth.AuthCodeURL(state), http.StatusFound)
}

// Complete handles /auth-callback: checks state, exchanges the code with the
// IdP, then exchanges the IdP access token for a gateway JWT.
func (b *OAuthBroker) Complete(w http.ResponseWriter, r *http.Request) {
	sess := b.sessions.Load(r)

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		b.logger.Warn("idp returned error on callback", "error", errParam)
		b.sessions.Clear(w)
		http.Error(w, "authentication failed at the identity provider", http.StatusBadRequest)
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" || sess.OAuthState == "" || state != sess.OAuthState {
		b.sessions.Clear(w)
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		b.sessions.Clear(w)
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	tok, err := b.oauth.Exchange(ctx, code)
	if err != nil {
		b.logger.Error("code exchange with idp failed", "error", err)
		b.sessions.Clear(w)
		http.Error(w, "could not complete sign-in with the identity provider", http.StatusBadGateway)
		return
	}

	gatewayJWT, err := b.auth.ExchangeAccessToken(ctx, tok.AccessToken)
	if err != nil {
		b.logger.Error("token exchange with auth service failed", "error", err)
		b.sessions.Clear(w)
		http.Error(w, "could not obtain a session token", http.StatusBadGateway)
		return
	}

	target := sess.Target
	if target == "" {
		target = "/"
	}

	sess.Token = gatewayJWT
	sess.OAuthState = ""
	sess.Target = ""
	if err := b.sessions.Save(w, sess); err != nil {
		b.logger.Error("saving authenticated session failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// End handles /logout: best-effort revocation, cookie teardown, then a
// redirect to the IdP's end-session endpoint when one is configured.
func (b *OAuthBroker) End(w http.ResponseWriter, r *http.Request) {
	sess := b.sessions.Load(r)
	if sess.Token != "" {
		if err := b.auth.RevokeToken(r.Context(), sess.Token); err != nil {
			b.logger.Warn("token revocation failed", "error", err)
		}
	}

	b.sessions.Clear(w)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0, private")
	w.Header().Set("Clear-Site-Data", `"cache", "storage"`)

	target := b.endSessionURL
	if target == "" {
		target = "/login"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// randomState yields a 128-bit URL-safe random string.
func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// sanitizeTarget keeps post-login redirects on this origin. Anything that is
// not a local absolute path falls back to /.
func sanitizeTarget(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	return next
}
