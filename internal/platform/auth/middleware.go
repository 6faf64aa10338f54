package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	domain "github.com/procureline/api/internal/domain"
)

const defaultVerifyTimeout = 5 * time.Second

var (
	// ErrTokenExpired signals that the presented access token has expired.
	ErrTokenExpired = errors.New("auth: access token expired")
	// ErrTokenInvalid signals that the presented access token failed verification.
	ErrTokenInvalid = errors.New("auth: access token invalid")
)

// Claims is the JWT claim set issued by the identity provider. Tenant and role
// tiers ride in private claims next to the registered set.
type Claims struct {
	TenantID string   `json:"tid"`
	Tiers    []string `json:"tiers"`
	Email    string   `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies raw bearer tokens into claim sets.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Claims, error)
}

// JWTVerifier validates HMAC-signed tokens against the shared signing key and
// the expected issuer/audience pair.
type JWTVerifier struct {
	key      []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewJWTVerifier constructs a verifier for HS256 tokens.
func NewJWTVerifier(signingKey []byte, issuer, audience string) (*JWTVerifier, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	return &JWTVerifier{
		key:      signingKey,
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// VerifyToken parses and validates the token, returning its claim set.
func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrTokenInvalid, claims.Issuer)
	}
	if v.audience != "" && !audienceMatches(claims.Audience, v.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject claim missing", ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant claim missing", ErrTokenInvalid)
	}
	return claims, nil
}

func audienceMatches(audience jwt.ClaimStrings, expected string) bool {
	for _, aud := range audience {
		if aud == expected {
			return true
		}
	}
	return false
}

// Authenticator wires token verification into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithVerificationTimeout bounds the time spent verifying a token.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier: verifier,
		timeout:  defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth verifies the Authorization bearer token and stores the resulting
// identity on the request context. When minTier is non-empty, identities below
// it are rejected with 403.
func (a *Authenticator) RequireAuth(minTier domain.RoleTier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			ctx, cancel := a.contextWithTimeout(r.Context())
			if cancel != nil {
				defer cancel()
			}

			claims, err := a.verifier.VerifyToken(ctx, tokenStr)
			if err != nil {
				respondVerificationError(w, err)
				return
			}

			identity := &Identity{
				UID:      claims.Subject,
				TenantID: claims.TenantID,
				Email:    claims.Email,
				Tiers:    parseTiers(claims.Tiers),
			}
			if len(identity.Tiers) == 0 {
				identity.Tiers = []domain.RoleTier{domain.TierRequester}
			}

			if minTier != "" && !identity.HoldsTier(minTier) {
				respondAuthError(w, http.StatusForbidden, "insufficient_tier", "identity does not hold the required role tier")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) contextWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a == nil || a.timeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, a.timeout)
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

func respondVerificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		respondAuthError(w, http.StatusUnauthorized, "token_expired", "access token expired")
	default:
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "access token invalid")
	}
}
