package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// PaymentType distinguishes how an order settles financially.
type PaymentType string

const (
	// PaymentTypeImmediate settles the full amount at approval time.
	PaymentTypeImmediate PaymentType = "immediate"
	// PaymentTypeInstallment splits the grand total into a monthly schedule.
	PaymentTypeInstallment PaymentType = "installment"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits financial clearance.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusApproved indicates the order is financially committed (auto- or manually approved).
	OrderStatusApproved OrderStatus = "approved"
	// OrderStatusAcknowledged indicates the operations team has accepted the order.
	OrderStatusAcknowledged OrderStatus = "acknowledged"
	// OrderStatusInProcess indicates the order is being fulfilled; it may carry an executive-review hold.
	OrderStatusInProcess OrderStatus = "in_process"
	// OrderStatusFinalizing indicates payment verification completed and shipment is being prepared.
	OrderStatusFinalizing OrderStatus = "finalizing"
	// OrderStatusOutForDelivery indicates the order has been dispatched.
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	// OrderStatusDelivered indicates the order reached the requester.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusClosed is the terminal success state.
	OrderStatusClosed OrderStatus = "closed"
	// OrderStatusDeclined is terminal; set when an approver or executive rejects the order.
	OrderStatusDeclined OrderStatus = "declined"
	// OrderStatusCancelled is terminal; requester- or admin-initiated while still pending.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturned is terminal; set when pre-payment verification fails.
	OrderStatusReturned OrderStatus = "returned"
)

// Terminal reports whether the status admits no further transitions short of an admin override.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusDeclined, OrderStatusCancelled, OrderStatusReturned:
		return true
	}
	return false
}

// Order captures the aggregate root shared across services and handlers.
type Order struct {
	ID           string
	OrderNumber  string
	TenantID     string
	RequesterID  string
	CostCenterID *string
	Status       OrderStatus
	PaymentType  PaymentType
	Currency     string
	Items        []OrderLineItem
	Totals       OrderTotals
	Installments *InstallmentPlan

	// NeedsExecutiveReview holds the order mid-pipeline until an executive signs off.
	NeedsExecutiveReview bool
	ExecutiveClearedBy   *string
	ExecutiveClearedAt   *time.Time

	// LedgerCommitted guards the exactly-once budget commit for this order.
	LedgerCommitted bool
	// IsFinalized makes line items permanently immutable once set.
	IsFinalized bool

	DeclineReason *string
	ApprovedBy    *string
	ApprovedAt    *time.Time
	DeliveredAt   *time.Time
	ClosedAt      *time.Time
	CancelledAt   *time.Time
	ReturnedAt    *time.Time

	Audit     OrderAudit
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderLineItem snapshots product and price information at order time.
type OrderLineItem struct {
	ID        string
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

// OrderTotals holds the rolled-up monetary fields as exact decimals.
type OrderTotals struct {
	Subtotal   decimal.Decimal
	Tax        decimal.Decimal
	Shipping   decimal.Decimal
	GrandTotal decimal.Decimal
}

// InstallmentPlan tracks the monthly payment schedule for INSTALLMENT orders.
type InstallmentPlan struct {
	Count int
	// Amount is the per-installment amount; FinalAmount absorbs the rounding residual
	// so the schedule sums exactly to the grand total.
	Amount        decimal.Decimal
	FinalAmount   decimal.Decimal
	Received      int
	DueDayOfMonth int
	FirstDueDate  time.Time
	LastDueDate   time.Time
}

// OrderAudit records the actors responsible for creating/updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// ApprovalStatus describes the lifecycle of an approval request.
type ApprovalStatus string

const (
	// ApprovalStatusPending indicates the request awaits resolution.
	ApprovalStatusPending ApprovalStatus = "pending"
	// ApprovalStatusApproved indicates the approver cleared the order.
	ApprovalStatusApproved ApprovalStatus = "approved"
	// ApprovalStatusRejected indicates the approver declined the order.
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ApprovalRequest records the manual-approval task routed for an order.
// An order has at most one PENDING request at a time; resolved requests are terminal.
type ApprovalRequest struct {
	ID          string
	TenantID    string
	OrderID     string
	OrderNumber string
	RequesterID string
	// ApproverID is nil when no eligible user holds the required tier; the order
	// remains visibly stuck in PENDING for operators to staff.
	ApproverID *string
	Tier       RoleTier
	Level      int
	Amount     decimal.Decimal
	Status     ApprovalStatus
	Comments   *string
	ResolvedBy *string
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BudgetAllocation is the ledger entry scoped to (tenant, cost-center, fiscal period).
type BudgetAllocation struct {
	ID           string
	TenantID     string
	CostCenterID *string
	Period       string
	Allocated    decimal.Decimal
	Spent        decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining derives the headroom left in the allocation.
func (b BudgetAllocation) Remaining() decimal.Decimal {
	return b.Allocated.Sub(b.Spent)
}

// Product is the catalog lookup projection consumed when pricing an order.
type Product struct {
	ID          string
	TenantID    string
	SKU         string
	Name        string
	UnitPrice   decimal.Decimal
	IsAvailable bool
	UpdatedAt   time.Time
}

// UserProfile is the roster projection used for approver candidate lookups.
type UserProfile struct {
	ID          string
	TenantID    string
	DisplayName string
	Email       string
	Tiers       []RoleTier
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HighestTier returns the most privileged tier held by the user.
func (u UserProfile) HighestTier() RoleTier {
	highest := TierRequester
	for _, tier := range u.Tiers {
		if tier.AtLeast(highest) {
			highest = tier
		}
	}
	return highest
}

// HoldsTier reports whether the user holds a tier at or above the required one.
func (u UserProfile) HoldsTier(required RoleTier) bool {
	for _, tier := range u.Tiers {
		if tier.AtLeast(required) {
			return true
		}
	}
	return false
}

// HealthStatus identifies the health state of the service or a dependency.
type HealthStatus = string

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
