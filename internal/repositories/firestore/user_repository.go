package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/procureline/api/internal/domain"
	pfirestore "github.com/procureline/api/internal/platform/firestore"
	"github.com/procureline/api/internal/repositories"
)

const userCollection = "users"

// UserRepository exposes the tenant roster used for identity and approver lookups.
type UserRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[userDocument]
}

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	base := pfirestore.NewCollection[userDocument](provider, userCollection)
	return &UserRepository{provider: provider, base: base}, nil
}

// FindByID loads the user profile by ID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if r == nil || r.base == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	if strings.TrimSpace(userID) == "" {
		return domain.UserProfile{}, errors.New("user id is required")
	}

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.Doc(ctx, userID)
		if err != nil {
			return domain.UserProfile{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.UserProfile{}, pfirestore.WrapError("users.get", err)
		}
		var doc userDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.UserProfile{}, fmt.Errorf("decode user %s: %w", snap.Ref.ID, err)
		}
		return toDomainUser(snap.Ref.ID, doc), nil
	}

	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	return toDomainUser(userID, doc), nil
}

// ListByTier returns active users in the tenant holding the exact tier, in
// stable roster order.
func (r *UserRepository) ListByTier(ctx context.Context, tenantID string, tier domain.RoleTier) ([]domain.UserProfile, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("user repository not initialised")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if !tier.Known() {
		return nil, fmt.Errorf("unknown role tier %q", tier)
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	query := client.Collection(userCollection).
		Where("tenantId", "==", tenantID).
		Where("tiers", "array-contains", string(tier)).
		Where("isActive", "==", true).
		OrderBy(firestore.DocumentID, firestore.Asc)

	var iter *firestore.DocumentIterator
	if tx, ok := txFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var users []domain.UserProfile
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("users.listByTier", err)
		}
		var doc userDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode user %s: %w", snap.Ref.ID, err)
		}
		users = append(users, toDomainUser(snap.Ref.ID, doc))
	}
	return users, nil
}

type userDocument struct {
	TenantID    string    `firestore:"tenantId"`
	DisplayName string    `firestore:"displayName"`
	Email       string    `firestore:"email"`
	Tiers       []string  `firestore:"tiers"`
	IsActive    bool      `firestore:"isActive"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func toDomainUser(id string, doc userDocument) domain.UserProfile {
	tiers := make([]domain.RoleTier, 0, len(doc.Tiers))
	for _, raw := range doc.Tiers {
		if tier, ok := domain.ParseRoleTier(raw); ok {
			tiers = append(tiers, tier)
		}
	}
	return domain.UserProfile{
		ID:          id,
		TenantID:    doc.TenantID,
		DisplayName: doc.DisplayName,
		Email:       strings.TrimSpace(doc.Email),
		Tiers:       tiers,
		IsActive:    doc.IsActive,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

var _ repositories.UserRepository = (*UserRepository)(nil)
