package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/procureline/api/internal/domain"
	pfirestore "github.com/procureline/api/internal/platform/firestore"
	"github.com/procureline/api/internal/repositories"
)

const budgetCollection = "budgetAllocations"

// BudgetRepository persists ledger allocations scoped by tenant, cost-center and fiscal period.
type BudgetRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[budgetDocument]
}

// NewBudgetRepository constructs a Firestore-backed budget repository.
func NewBudgetRepository(provider *pfirestore.Provider) (*BudgetRepository, error) {
	if provider == nil {
		return nil, errors.New("budget repository requires firestore provider")
	}
	base := pfirestore.NewCollection[budgetDocument](provider, budgetCollection)
	return &BudgetRepository{provider: provider, base: base}, nil
}

// Upsert writes the allocation, creating it on first use.
func (r *BudgetRepository) Upsert(ctx context.Context, allocation domain.BudgetAllocation) error {
	if r == nil || r.base == nil {
		return errors.New("budget repository not initialised")
	}
	if strings.TrimSpace(allocation.ID) == "" {
		return errors.New("allocation id is required")
	}

	doc := fromDomainBudget(allocation)
	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.Doc(ctx, allocation.ID)
		if err != nil {
			return err
		}
		return pfirestore.WrapError("budgets.upsert", tx.Set(ref, doc))
	}
	return r.base.Set(ctx, allocation.ID, doc)
}

// FindByID loads the allocation.
func (r *BudgetRepository) FindByID(ctx context.Context, allocationID string) (domain.BudgetAllocation, error) {
	if r == nil || r.base == nil {
		return domain.BudgetAllocation{}, errors.New("budget repository not initialised")
	}
	if strings.TrimSpace(allocationID) == "" {
		return domain.BudgetAllocation{}, errors.New("allocation id is required")
	}

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.Doc(ctx, allocationID)
		if err != nil {
			return domain.BudgetAllocation{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.BudgetAllocation{}, pfirestore.WrapError("budgets.get", err)
		}
		return decodeBudgetSnapshot(snap)
	}

	doc, err := r.base.Get(ctx, allocationID)
	if err != nil {
		return domain.BudgetAllocation{}, err
	}
	return toDomainBudget(allocationID, doc)
}

// FindByScope locates the allocation for the given scope. A nil cost-center
// matches tenant-level allocations stored without one.
func (r *BudgetRepository) FindByScope(ctx context.Context, tenantID string, costCenterID *string, period string) (domain.BudgetAllocation, error) {
	if r == nil || r.provider == nil {
		return domain.BudgetAllocation{}, errors.New("budget repository not initialised")
	}
	tenantID = strings.TrimSpace(tenantID)
	period = strings.TrimSpace(period)
	if tenantID == "" || period == "" {
		return domain.BudgetAllocation{}, errors.New("tenant id and period are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.BudgetAllocation{}, err
	}

	query := client.Collection(budgetCollection).
		Where("tenantId", "==", tenantID).
		Where("period", "==", period)
	if costCenterID != nil {
		query = query.Where("costCenterId", "==", strings.TrimSpace(*costCenterID))
	} else {
		query = query.Where("costCenterId", "==", nil)
	}
	query = query.Limit(1)

	var iter *firestore.DocumentIterator
	if tx, ok := txFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.BudgetAllocation{}, pfirestore.WrapError("budgets.findByScope", status.Error(codes.NotFound, "allocation not found for scope"))
	}
	if err != nil {
		return domain.BudgetAllocation{}, pfirestore.WrapError("budgets.findByScope", err)
	}
	return decodeBudgetSnapshot(snap)
}

type budgetPageToken struct {
	Period string `json:"period"`
	ID     string `json:"id"`
}

// List returns allocations matching the filter ordered by period descending.
func (r *BudgetRepository) List(ctx context.Context, filter repositories.BudgetListFilter) (domain.CursorPage[domain.BudgetAllocation], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.BudgetAllocation]{}, errors.New("budget repository not initialised")
	}
	tenantID := strings.TrimSpace(filter.TenantID)
	if tenantID == "" {
		return domain.CursorPage[domain.BudgetAllocation]{}, errors.New("tenant id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.BudgetAllocation]{}, err
	}

	pageSize := clampPageSize(filter.Pagination.PageSize)

	query := client.Collection(budgetCollection).Query.Where("tenantId", "==", tenantID)
	if filter.CostCenterID != nil {
		query = query.Where("costCenterId", "==", strings.TrimSpace(*filter.CostCenterID))
	}
	if period := strings.TrimSpace(filter.Period); period != "" {
		query = query.Where("period", "==", period)
	}
	query = query.
		OrderBy("period", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		var decoded budgetPageToken
		if err := decodePageToken(token, &decoded); err != nil {
			return domain.CursorPage[domain.BudgetAllocation]{}, pfirestore.WrapError("budgets.list", err)
		}
		query = query.StartAfter(decoded.Period, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var allocations []domain.BudgetAllocation
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.BudgetAllocation]{}, pfirestore.WrapError("budgets.list", err)
		}
		allocation, err := decodeBudgetSnapshot(snap)
		if err != nil {
			return domain.CursorPage[domain.BudgetAllocation]{}, err
		}
		allocations = append(allocations, allocation)
	}

	hasMore := len(allocations) > pageSize
	if hasMore {
		allocations = allocations[:pageSize]
	}
	var nextToken string
	if hasMore && len(allocations) > 0 {
		last := allocations[len(allocations)-1]
		encoded, err := encodePageToken(budgetPageToken{Period: last.Period, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.BudgetAllocation]{}, pfirestore.WrapError("budgets.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.BudgetAllocation]{Items: allocations, NextPageToken: nextToken}, nil
}

// Document mapping ----------------------------------------------------------

type budgetDocument struct {
	TenantID string `firestore:"tenantId"`
	// CostCenterID is stored as an explicit null for tenant-level allocations so
	// scope queries can match it with an equality filter.
	CostCenterID *string   `firestore:"costCenterId"`
	Period       string    `firestore:"period"`
	Allocated    string    `firestore:"allocated"`
	Spent        string    `firestore:"spent"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func fromDomainBudget(allocation domain.BudgetAllocation) budgetDocument {
	return budgetDocument{
		TenantID:     allocation.TenantID,
		CostCenterID: allocation.CostCenterID,
		Period:       allocation.Period,
		Allocated:    encodeMoney(allocation.Allocated),
		Spent:        encodeMoney(allocation.Spent),
		CreatedAt:    allocation.CreatedAt.UTC(),
		UpdatedAt:    allocation.UpdatedAt.UTC(),
	}
}

func toDomainBudget(id string, doc budgetDocument) (domain.BudgetAllocation, error) {
	allocated, err := decodeMoney("allocated", doc.Allocated)
	if err != nil {
		return domain.BudgetAllocation{}, fmt.Errorf("allocation %s: %w", id, err)
	}
	spent, err := decodeMoney("spent", doc.Spent)
	if err != nil {
		return domain.BudgetAllocation{}, fmt.Errorf("allocation %s: %w", id, err)
	}
	return domain.BudgetAllocation{
		ID:           id,
		TenantID:     doc.TenantID,
		CostCenterID: doc.CostCenterID,
		Period:       doc.Period,
		Allocated:    allocated,
		Spent:        spent,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}

func decodeBudgetSnapshot(snap *firestore.DocumentSnapshot) (domain.BudgetAllocation, error) {
	var doc budgetDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.BudgetAllocation{}, fmt.Errorf("decode allocation %s: %w", snap.Ref.ID, err)
	}
	return toDomainBudget(snap.Ref.ID, doc)
}

var _ repositories.BudgetRepository = (*BudgetRepository)(nil)
