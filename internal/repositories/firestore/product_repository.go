package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/procureline/api/internal/domain"
	pfirestore "github.com/procureline/api/internal/platform/firestore"
	"github.com/procureline/api/internal/repositories"
)

const productCollection = "products"

// ProductRepository exposes the catalog lookup consumed when pricing orders.
type ProductRepository struct {
	base *pfirestore.Collection[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewCollection[productDocument](provider, productCollection)
	return &ProductRepository{base: base}, nil
}

// FindByID loads the product, enforcing tenant scoping on the stored document.
func (r *ProductRepository) FindByID(ctx context.Context, tenantID string, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	tenantID = strings.TrimSpace(tenantID)
	productID = strings.TrimSpace(productID)
	if tenantID == "" || productID == "" {
		return domain.Product{}, errors.New("tenant id and product id are required")
	}

	var doc productDocument
	var id string

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.Doc(ctx, productID)
		if err != nil {
			return domain.Product{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.Product{}, pfirestore.WrapError("products.get", err)
		}
		if err := snap.DataTo(&doc); err != nil {
			return domain.Product{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		id = snap.Ref.ID
	} else {
		loaded, err := r.base.Get(ctx, productID)
		if err != nil {
			return domain.Product{}, err
		}
		doc = loaded
		id = productID
	}

	// Cross-tenant lookups are indistinguishable from missing products.
	if doc.TenantID != tenantID {
		return domain.Product{}, pfirestore.WrapError("products.get", status.Error(codes.NotFound, "product not found"))
	}

	return toDomainProduct(id, doc)
}

type productDocument struct {
	TenantID    string    `firestore:"tenantId"`
	SKU         string    `firestore:"sku"`
	Name        string    `firestore:"name"`
	UnitPrice   string    `firestore:"unitPrice"`
	IsAvailable bool      `firestore:"isAvailable"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func toDomainProduct(id string, doc productDocument) (domain.Product, error) {
	unitPrice, err := decodeMoney("unit price", doc.UnitPrice)
	if err != nil {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, err)
	}
	return domain.Product{
		ID:          id,
		TenantID:    doc.TenantID,
		SKU:         doc.SKU,
		Name:        doc.Name,
		UnitPrice:   unitPrice,
		IsAvailable: doc.IsAvailable,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
