package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/procureline/api/internal/domain"
	"github.com/procureline/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	OrderAudit         = domain.OrderAudit
	PaymentType        = domain.PaymentType
	InstallmentPlan    = domain.InstallmentPlan
	ApprovalRequest    = domain.ApprovalRequest
	ApprovalStatus     = domain.ApprovalStatus
	BudgetAllocation   = domain.BudgetAllocation
	Product            = domain.Product
	UserProfile        = domain.UserProfile
	RoleTier           = domain.RoleTier
	SystemHealthReport = domain.SystemHealthReport
)

// TransitionEvent names an operator action submitted to the lifecycle engine.
type TransitionEvent string

const (
	EventApprove          TransitionEvent = "approve"
	EventDecline          TransitionEvent = "decline"
	EventCancel           TransitionEvent = "cancel"
	EventAcknowledge      TransitionEvent = "acknowledge"
	EventStartProcessing  TransitionEvent = "start_processing"
	EventExecutiveApprove TransitionEvent = "executive_approve"
	EventVerifyPayment    TransitionEvent = "verify_payment"
	EventDispatch         TransitionEvent = "dispatch"
	EventDeliver          TransitionEvent = "deliver"
	EventClose            TransitionEvent = "close"
	EventReturn           TransitionEvent = "return"
	EventAdminOverride    TransitionEvent = "admin_override"
)

// OrderService drives the order aggregate and its lifecycle state machine.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	Transition(ctx context.Context, cmd TransitionCommand) (Order, error)
	UpdateLineItem(ctx context.Context, cmd UpdateLineItemCommand) (Order, error)
	RemoveLineItem(ctx context.Context, cmd RemoveLineItemCommand) (Order, error)
	RecordInstallmentPayment(ctx context.Context, cmd RecordInstallmentCommand) (Order, error)
}

// ApprovalRouter decides whether an order auto-clears or needs manual approval,
// and at which tier.
type ApprovalRouter interface {
	Route(ctx context.Context, order Order) (RoutingDecision, error)
	// NeedsExecutiveReview reports whether the total crosses the independent
	// mid-pipeline review threshold.
	NeedsExecutiveReview(total decimal.Decimal) bool
}

// LedgerService tracks allocated vs. spent amounts per (tenant, cost-center, period).
type LedgerService interface {
	// Commit adds amount to the matching period's spent total, creating the
	// allocation on first use. Must run inside the caller's transaction context.
	Commit(ctx context.Context, cmd LedgerCommitCommand) error
	GetAllocation(ctx context.Context, allocationID string) (BudgetAllocation, error)
	ListAllocations(ctx context.Context, filter BudgetListFilter) (domain.CursorPage[BudgetAllocation], error)
}

// ApprovalService exposes the read surface over approval requests; resolution
// happens only through the lifecycle engine.
type ApprovalService interface {
	GetRequest(ctx context.Context, requestID string) (ApprovalRequest, error)
	ListRequests(ctx context.Context, filter ApprovalListFilter) (domain.CursorPage[ApprovalRequest], error)
}

// SystemService provides health reports and runtime metadata for operational endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// NotificationPublisher is the best-effort notification sink; publish failures
// are logged by callers and never propagated.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n Notification) error
}

// Notification carries the recipient, template kind, and rendering context.
type Notification struct {
	RecipientID string
	Template    string
	TenantID    string
	OrderID     string
	OrderNumber string
	OccurredAt  time.Time
	Context     map[string]any
}

// InstallmentPaymentVerifier confirms that a referenced payment actually
// succeeded before an installment is counted.
type InstallmentPaymentVerifier interface {
	VerifyPayment(ctx context.Context, paymentRef string, amount decimal.Decimal, currency string) error
}

// RoutingDecision is the approval router's verdict for a freshly priced order.
type RoutingDecision struct {
	AutoApproved bool
	Tier         RoleTier
	Level        int
	Approver     *UserProfile
}

// Command and DTO definitions ------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

type ApprovalListFilter = repositories.ApprovalListFilter

type BudgetListFilter = repositories.BudgetListFilter

// CreateOrderCommand carries the inputs for order creation.
type CreateOrderCommand struct {
	TenantID     string
	RequesterID  string
	CostCenterID *string
	Currency     string
	Items        []CreateOrderItem
	PaymentType  PaymentType
	ShippingCost decimal.Decimal
}

// CreateOrderItem references a catalog product and the requested quantity.
type CreateOrderItem struct {
	ProductID string
	Quantity  int
}

// TransitionCommand submits a lifecycle event for an order.
type TransitionCommand struct {
	OrderID string
	Event   TransitionEvent
	ActorID string
	// Reason is required for decline; optional elsewhere.
	Reason string
	// TargetStatus is consulted only by admin_override.
	TargetStatus OrderStatus
}

type UpdateLineItemCommand struct {
	OrderID  string
	ItemID   string
	Quantity int
	ActorID  string
}

type RemoveLineItemCommand struct {
	OrderID string
	ItemID  string
	ActorID string
}

// RecordInstallmentCommand records one received installment payment.
type RecordInstallmentCommand struct {
	OrderID string
	ActorID string
	// PaymentRef optionally names a PSP payment intent verified before counting.
	PaymentRef string
}

// LedgerCommitCommand identifies the scope and amount of a budget commit.
type LedgerCommitCommand struct {
	TenantID     string
	CostCenterID *string
	Period       string
	Amount       decimal.Decimal
}
