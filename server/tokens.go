package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Validation failures a caller can act on. Each maps to a distinct
// user-visible behavior at the proxy layer.
var (
	ErrExpiredToken           = errors.New("token expired")
	ErrBadSignature           = errors.New("token signature invalid")
	ErrUnknownKid             = errors.New("token signing key unknown")
	ErrIssuerMismatch         = errors.New("token issuer mismatch")
	ErrRevoked                = errors.New("token revoked")
	ErrAuthServiceUnreachable = errors.New("auth service unreachable")
	ErrKeysUnavailable        = errors.New("signing keys unavailable")
)

const (
	jwksRefreshTimeout = 5 * time.Second
	tokenLeeway        = 60 * time.Second
)

// TokenValidator verifies gateway JWTs offline against the auth service's
// JWKS and confirms non-revocation online.
type TokenValidator struct {
	auth   *AuthClient
	issuer string
	client *http.Client
	logger *slog.Logger

	mu      sync.RWMutex
	keys    jose.JSONWebKeySet
	fetched time.Time

	// group coalesces concurrent JWKS refreshes triggered by kid misses.
	group singleflight.Group
}

// NewTokenValidator wires a validator to the auth service.
func NewTokenValidator(auth *AuthClient, issuer string, logger *slog.Logger) *TokenValidator {
	return &TokenValidator{
		auth:   auth,
		issuer: issuer,
		client: &http.Client{Timeout: jwksRefreshTimeout},
		logger: logger,
	}
}

// Validate checks signature, expiry, and issuer offline, then confirms the
// token has not been revoked. An unreachable auth service fails the request:
// revocation cannot be confirmed, so the token is treated as invalid.
func (v *TokenValidator) Validate(ctx context.Context, raw string) (*UserClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if key := v.lookupKey(kid); key != nil {
			return key, nil
		}
		if err := v.refresh(ctx); err != nil {
			return nil, err
		}
		if key := v.lookupKey(kid); key != nil {
			return key, nil
		}
		return nil, ErrUnknownKid
	})
	if err != nil {
		return nil, mapJWTError(err)
	}

	valid, revoked, err := v.auth.ValidateToken(ctx, raw)
	if err != nil {
		v.logger.Warn("revocation check failed, rejecting token", "error", err)
		return nil, ErrAuthServiceUnreachable
	}
	if revoked || !valid {
		return nil, ErrRevoked
	}

	return claimsFromToken(claims), nil
}

func (v *TokenValidator) lookupKey(kid string) any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, k := range v.keys.Keys {
		if k.KeyID == kid {
			return k.Key
		}
	}
	return nil
}

// refresh fetches the JWKS once for however many requests missed a kid
// concurrently. The fetch runs on a detached context so one dropped client
// does not starve the other waiters.
func (v *TokenValidator) refresh(ctx context.Context) error {
	_, err, _ := v.group.Do("jwks", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jwksRefreshTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, v.auth.JWKSURL(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := v.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch jwks: unexpected status %s", resp.Status)
		}

		var set jose.JSONWebKeySet
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return nil, fmt.Errorf("decode jwks: %w", err)
		}

		v.mu.Lock()
		v.keys = set
		v.fetched = time.Now()
		v.mu.Unlock()

		v.logger.Debug("jwks refreshed", "keys", len(set.Keys))
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeysUnavailable, err)
	}
	return nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, ErrKeysUnavailable):
		return fmt.Errorf("%w: %w", ErrKeysUnavailable, err)
	case errors.Is(err, ErrUnknownKid):
		return ErrUnknownKid
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	default:
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
}

func claimsFromToken(mc jwt.MapClaims) *UserClaims {
	out := &UserClaims{}
	out.Subject, _ = mc["sub"].(string)
	out.Email, _ = mc["email"].(string)
	out.Name, _ = mc["name"].(string)
	if lvl, ok := mc["permission_level"].(string); ok {
		out.Level = ParsePermissionLevel(lvl)
	}
	if jti, ok := mc["jti"].(string); ok {
		out.TokenID = jti
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out
}
