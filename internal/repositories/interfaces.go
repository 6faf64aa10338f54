package repositories

import (
	"context"
	"time"

	domain "github.com/procureline/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Approvals() ApprovalRequestRepository
	Budgets() BudgetRepository
	Products() ProductRepository
	Users() UserRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Repositories invoked with the context produced by RunInTx read and write
// through the same transaction, so guard evaluation and state writes are atomic.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates (header + owned line items).
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByOrderNumber locates an order by its human-readable number within a tenant.
	FindByOrderNumber(ctx context.Context, tenantID string, orderNumber string) (domain.Order, error)
	// ReserveNumber claims an order number globally, failing with a conflict
	// when another order already holds it. Effective only when run inside the
	// insert transaction.
	ReserveNumber(ctx context.Context, orderNumber string, orderID string) error
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// ApprovalRequestRepository stores approval tasks routed for manual clearance.
type ApprovalRequestRepository interface {
	Insert(ctx context.Context, request domain.ApprovalRequest) error
	Update(ctx context.Context, request domain.ApprovalRequest) error
	FindByID(ctx context.Context, requestID string) (domain.ApprovalRequest, error)
	// FindActiveByOrder returns the single PENDING request for the order, if any.
	FindActiveByOrder(ctx context.Context, orderID string) (domain.ApprovalRequest, error)
	List(ctx context.Context, filter ApprovalListFilter) (domain.CursorPage[domain.ApprovalRequest], error)
}

// BudgetRepository persists ledger allocations scoped by (tenant, cost-center, period).
type BudgetRepository interface {
	// Upsert writes the allocation, creating it on first use.
	Upsert(ctx context.Context, allocation domain.BudgetAllocation) error
	FindByID(ctx context.Context, allocationID string) (domain.BudgetAllocation, error)
	// FindByScope locates the allocation for the given scope; costCenterID may be
	// nil for tenant-level tracking.
	FindByScope(ctx context.Context, tenantID string, costCenterID *string, period string) (domain.BudgetAllocation, error)
	List(ctx context.Context, filter BudgetListFilter) (domain.CursorPage[domain.BudgetAllocation], error)
}

// ProductRepository exposes the catalog price/availability lookup consumed at order time.
type ProductRepository interface {
	FindByID(ctx context.Context, tenantID string, productID string) (domain.Product, error)
}

// UserRepository exposes the tenant roster for identity and approver candidate lookups.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
	// ListByTier returns active users in the tenant holding the exact tier, in
	// stable roster order.
	ListByTier(ctx context.Context, tenantID string, tier domain.RoleTier) ([]domain.UserProfile, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	TenantID    string
	RequesterID string
	Status      []string
	DateRange   domain.RangeQuery[time.Time]
	Pagination  domain.Pagination
}

type ApprovalListFilter struct {
	TenantID   string
	ApproverID string
	Status     []string
	Pagination domain.Pagination
}

type BudgetListFilter struct {
	TenantID     string
	CostCenterID *string
	Period       string
	Pagination   domain.Pagination
}
