package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestValidator(t *testing.T, f *fakeAuth) *TokenValidator {
	t.Helper()
	return NewTokenValidator(f.client(t), testIssuer, testLogger())
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	key := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	v := newTestValidator(t, f)

	raw := signGatewayToken(t, key, "k1", jwt.MapClaims{
		"sub":              "user-1",
		"email":            "alice@example.com",
		"name":             "Alice",
		"permission_level": "billing",
		"jti":              "tok-1",
	})

	claims, err := v.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "alice@example.com" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if claims.Level != LevelBilling {
		t.Fatalf("permission level: got %v want %v", claims.Level, LevelBilling)
	}
	if claims.TokenID != "tok-1" {
		t.Fatalf("token id: got %q want tok-1", claims.TokenID)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	key := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	v := newTestValidator(t, f)

	raw := signGatewayToken(t, key, "k1", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-5 * time.Minute).Unix(),
	})

	if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	key := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	v := newTestValidator(t, f)

	raw := signGatewayToken(t, key, "k1", jwt.MapClaims{
		"sub": "user-1",
		"iss": "someone-else",
	})

	if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("expected ErrIssuerMismatch, got %v", err)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	key := newRSAKey(t)
	other := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	v := newTestValidator(t, f)

	// Signed with a different key but claiming the published kid.
	raw := signGatewayToken(t, other, "k1", jwt.MapClaims{"sub": "user-1"})

	if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestValidateRefreshesOnUnknownKid(t *testing.T) {
	oldKey := newRSAKey(t)
	newKey := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("old", oldKey)
	v := newTestValidator(t, f)

	// Prime the cache with the old key.
	primer := signGatewayToken(t, oldKey, "old", jwt.MapClaims{"sub": "user-1"})
	if _, err := v.Validate(context.Background(), primer); err != nil {
		t.Fatalf("priming validate failed: %v", err)
	}

	// Rotate at the auth service; a token under the new kid must trigger a
	// refetch and then verify.
	f.publishKey("new", newKey)
	raw := signGatewayToken(t, newKey, "new", jwt.MapClaims{"sub": "user-1"})
	if _, err := v.Validate(context.Background(), raw); err != nil {
		t.Fatalf("Validate after rotation returned error: %v", err)
	}
}

func TestValidateUnknownKidAfterRefresh(t *testing.T) {
	key := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	v := newTestValidator(t, f)

	raw := signGatewayToken(t, key, "ghost", jwt.MapClaims{"sub": "user-1"})
	if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrUnknownKid) {
		t.Fatalf("expected ErrUnknownKid, got %v", err)
	}
}

func TestValidateRejectsRevokedToken(t *testing.T) {
	key := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	f.setValidation(http.StatusOK, false, true)
	v := newTestValidator(t, f)

	raw := signGatewayToken(t, key, "k1", jwt.MapClaims{"sub": "user-1"})
	if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestValidateRevocation401MeansRevoked(t *testing.T) {
	key := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	f.setValidation(http.StatusUnauthorized, false, false)
	v := newTestValidator(t, f)

	raw := signGatewayToken(t, key, "k1", jwt.MapClaims{"sub": "user-1"})
	if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked on 401, got %v", err)
	}
}

func TestValidateFailsClosedWhenAuthServiceDown(t *testing.T) {
	key := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	v := newTestValidator(t, f)

	// Prime the key cache while the auth service is up.
	raw := signGatewayToken(t, key, "k1", jwt.MapClaims{"sub": "user-1"})
	if _, err := v.Validate(context.Background(), raw); err != nil {
		t.Fatalf("priming validate failed: %v", err)
	}

	f.Close()
	if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrAuthServiceUnreachable) {
		t.Fatalf("expected ErrAuthServiceUnreachable, got %v", err)
	}
}

func TestValidateKeysUnavailableWhenJWKSDown(t *testing.T) {
	key := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	v := newTestValidator(t, f)
	f.Close()

	raw := signGatewayToken(t, key, "k1", jwt.MapClaims{"sub": "user-1"})
	if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrKeysUnavailable) {
		t.Fatalf("expected ErrKeysUnavailable, got %v", err)
	}
}

func TestConcurrentKidMissesCoalesceToOneFetch(t *testing.T) {
	key := newRSAKey(t)
	f := newFakeAuth(t)
	f.publishKey("k1", key)
	v := newTestValidator(t, f)

	raw := signGatewayToken(t, key, "k1", jwt.MapClaims{"sub": "user-1"})

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Validate(context.Background(), raw)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent validate failed: %v", err)
		}
	}

	f.mu.Lock()
	fetches := f.jwksFetches
	f.mu.Unlock()
	if fetches > workers/2 {
		t.Fatalf("jwks fetches not coalesced: %d fetches for %d concurrent misses", fetches, workers)
	}
}
