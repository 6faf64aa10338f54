package auth

import (
	"context"
	"strings"

	domain "github.com/procureline/api/internal/domain"
)

// Identity captures the authenticated principal extracted from a verified
// access token.
type Identity struct {
	UID      string
	TenantID string
	Email    string
	Tiers    []domain.RoleTier
}

// HoldsTier reports whether the identity holds a role tier at or above the
// required one.
func (i *Identity) HoldsTier(required domain.RoleTier) bool {
	if i == nil {
		return false
	}
	for _, tier := range i.Tiers {
		if tier.AtLeast(required) {
			return true
		}
	}
	return false
}

// HasTier reports whether the identity holds the exact tier.
func (i *Identity) HasTier(tier domain.RoleTier) bool {
	if i == nil {
		return false
	}
	for _, t := range i.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// HighestTier returns the most privileged tier held by the identity.
func (i *Identity) HighestTier() domain.RoleTier {
	highest := domain.TierRequester
	if i == nil {
		return highest
	}
	for _, tier := range i.Tiers {
		if tier.AtLeast(highest) {
			highest = tier
		}
	}
	return highest
}

type contextKey string

const identityContextKey contextKey = "github.com/procureline/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func parseTiers(raw []string) []domain.RoleTier {
	out := make([]domain.RoleTier, 0, len(raw))
	seen := make(map[domain.RoleTier]struct{}, len(raw))
	for _, value := range raw {
		tier, ok := domain.ParseRoleTier(strings.TrimSpace(value))
		if !ok {
			continue
		}
		if _, exists := seen[tier]; exists {
			continue
		}
		seen[tier] = struct{}{}
		out = append(out, tier)
	}
	return out
}
