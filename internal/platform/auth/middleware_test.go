package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	domain "github.com/procureline/api/internal/domain"
)

var testSigningKey = []byte("test-signing-key")

func signedToken(t *testing.T, mutate func(*Claims)) string {
	t.Helper()
	claims := &Claims{
		TenantID: "tnt_1",
		Tiers:    []string{"supervisor"},
		Email:    "supervisor@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr_sup",
			Issuer:    "https://id.example.com",
			Audience:  jwt.ClaimStrings{"procurement-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	if mutate != nil {
		mutate(claims)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	verifier, err := NewJWTVerifier(testSigningKey, "https://id.example.com", "procurement-api")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return NewAuthenticator(verifier)
}

func TestRequireAuthStoresIdentity(t *testing.T) {
	authn := newTestAuthenticator(t)

	var captured *Identity
	handler := authn.RequireAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured == nil {
		t.Fatal("expected identity in context")
	}
	if captured.UID != "usr_sup" || captured.TenantID != "tnt_1" {
		t.Fatalf("unexpected identity %+v", captured)
	}
	if !captured.HoldsTier(domain.TierSupervisor) || captured.HoldsTier(domain.TierExecutive) {
		t.Fatalf("unexpected tiers %v", captured.Tiers)
	}
}

func TestRequireAuthMissingHeader(t *testing.T) {
	authn := newTestAuthenticator(t)
	handler := authn.RequireAuth("")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthExpiredToken(t *testing.T) {
	authn := newTestAuthenticator(t)
	handler := authn.RequireAuth("")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	token := signedToken(t, func(c *Claims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthTierGate(t *testing.T) {
	authn := newTestAuthenticator(t)
	handler := authn.RequireAuth(domain.TierAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/orders", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestJWTVerifierRejectsForeignIssuer(t *testing.T) {
	verifier, err := NewJWTVerifier(testSigningKey, "https://id.example.com", "procurement-api")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := signedToken(t, func(c *Claims) {
		c.Issuer = "https://rogue.example.com"
	})
	if _, err := verifier.VerifyToken(context.Background(), token); err == nil {
		t.Fatal("expected issuer mismatch to fail")
	}
}

func TestJWTVerifierRejectsMissingTenant(t *testing.T) {
	verifier, err := NewJWTVerifier(testSigningKey, "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := signedToken(t, func(c *Claims) {
		c.TenantID = ""
	})
	if _, err := verifier.VerifyToken(context.Background(), token); err == nil {
		t.Fatal("expected missing tenant claim to fail")
	}
}
