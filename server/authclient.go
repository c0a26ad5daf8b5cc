package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	validateTimeout     = 2 * time.Second
	revokeTimeout       = 5 * time.Second
	serviceTokenTimeout = 5 * time.Second
	// serviceTokenSlack discards cached service tokens this close to expiry.
	serviceTokenSlack = time.Minute

	gatewayServiceName = "nexus"
)

// AuthClient talks to the internal auth service ("Core"): token exchange,
// revocation tracking, and service-to-service token minting.
type AuthClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu            sync.Mutex
	serviceTokens map[string]serviceToken
}

type serviceToken struct {
	token     string
	expiresAt time.Time
}

// NewAuthClient builds a client for the configured auth service URL.
func NewAuthClient(cfg AuthServiceConfig, logger *slog.Logger) *AuthClient {
	return &AuthClient{
		baseURL:       strings.TrimSuffix(cfg.URL, "/"),
		client:        &http.Client{},
		logger:        logger,
		serviceTokens: make(map[string]serviceToken),
	}
}

// JWKSURL returns the auth service's key-set endpoint.
func (c *AuthClient) JWKSURL() string {
	return c.baseURL + "/.well-known/jwks.json"
}

// ExchangeAccessToken trades an IdP access token for a gateway JWT.
func (c *AuthClient) ExchangeAccessToken(ctx context.Context, accessToken string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.postJSON(ctx, "/api/token/exchange", map[string]string{"access_token": accessToken}, &out, serviceTokenTimeout)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("token exchange: empty token in response")
	}
	return out.Token, nil
}

// ValidateToken asks the auth service whether a token is still live. revoked
// is meaningful only when err is nil.
func (c *AuthClient) ValidateToken(ctx context.Context, token string) (valid, revoked bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/token/validate", bytes.NewReader(body))
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("validate call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return false, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("validate call: unexpected status %s", resp.Status)
	}

	var out struct {
		Valid   bool `json:"valid"`
		Revoked bool `json:"revoked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, false, fmt.Errorf("validate call: decode: %w", err)
	}
	return out.Valid, out.Revoked, nil
}

// RevokeToken is best-effort: one retry, errors reported but commonly
// ignored by callers on the logout path.
func (c *AuthClient) RevokeToken(ctx context.Context, token string) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := c.postJSON(ctx, "/api/token/revoke", map[string]string{"token": token}, nil, revokeTimeout)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("revoke token: %w", lastErr)
}

// ServiceToken returns a short-lived JWT for calling target on behalf of the
// gateway. Tokens are cached until shortly before expiry.
func (c *AuthClient) ServiceToken(ctx context.Context, target string) (string, error) {
	c.mu.Lock()
	if st, ok := c.serviceTokens[target]; ok && time.Until(st.expiresAt) > serviceTokenSlack {
		c.mu.Unlock()
		return st.token, nil
	}
	c.mu.Unlock()

	var out struct {
		Token string `json:"token"`
	}
	payload := map[string]string{
		"calling_service": gatewayServiceName,
		"target_service":  target,
	}
	if err := c.postJSON(ctx, "/api/service/token", payload, &out, serviceTokenTimeout); err != nil {
		return "", fmt.Errorf("mint service token for %s: %w", target, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("mint service token for %s: empty token", target)
	}

	c.mu.Lock()
	c.serviceTokens[target] = serviceToken{token: out.Token, expiresAt: tokenExpiry(out.Token)}
	c.mu.Unlock()

	return out.Token, nil
}

// tokenExpiry reads exp from a JWT without verifying it; the token came from
// the auth service over a trusted channel. Undecodable tokens get a short
// default lifetime.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(5 * time.Minute)
}

func (c *AuthClient) postJSON(ctx context.Context, path string, payload, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
