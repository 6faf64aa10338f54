package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/procureline/api/internal/domain"
	"github.com/procureline/api/internal/repositories"
)

// ApprovalThresholds holds the tenant's monetary tier boundaries. Comparisons
// are exact decimal with strict `<` semantics: an order equal to a boundary
// belongs to the higher tier.
type ApprovalThresholds struct {
	// AutoApproveBelow is the boundary under which no human review is needed.
	AutoApproveBelow decimal.Decimal
	// SupervisorBelow caps the supervisor band [AutoApproveBelow, SupervisorBelow).
	SupervisorBelow decimal.Decimal
	// ProcurementBelow caps the procurement band [SupervisorBelow, ProcurementBelow);
	// totals at or above it route to the executive tier.
	ProcurementBelow decimal.Decimal
	// ExecutiveReviewAt is the independent mid-pipeline checkpoint: totals at or
	// above it are held in IN_PROCESS until an executive signs off.
	ExecutiveReviewAt decimal.Decimal
}

// DefaultApprovalThresholds returns the production defaults.
func DefaultApprovalThresholds() ApprovalThresholds {
	return ApprovalThresholds{
		AutoApproveBelow:  decimal.NewFromInt(5000),
		SupervisorBelow:   decimal.NewFromInt(20000),
		ProcurementBelow:  decimal.NewFromInt(50000),
		ExecutiveReviewAt: decimal.NewFromInt(100000),
	}
}

func (t ApprovalThresholds) validate() error {
	if t.AutoApproveBelow.Sign() <= 0 {
		return errors.New("approval router: auto-approve threshold must be positive")
	}
	if t.SupervisorBelow.Cmp(t.AutoApproveBelow) <= 0 {
		return errors.New("approval router: supervisor threshold must exceed auto-approve threshold")
	}
	if t.ProcurementBelow.Cmp(t.SupervisorBelow) <= 0 {
		return errors.New("approval router: procurement threshold must exceed supervisor threshold")
	}
	if t.ExecutiveReviewAt.Sign() <= 0 {
		return errors.New("approval router: executive review threshold must be positive")
	}
	return nil
}

// ApprovalRouterDeps bundles collaborators required to construct the router.
type ApprovalRouterDeps struct {
	Users      repositories.UserRepository
	Thresholds ApprovalThresholds
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type approvalRouter struct {
	users      repositories.UserRepository
	thresholds ApprovalThresholds
	logger     func(context.Context, string, map[string]any)
}

// NewApprovalRouter wires dependencies into a concrete ApprovalRouter.
func NewApprovalRouter(deps ApprovalRouterDeps) (ApprovalRouter, error) {
	if deps.Users == nil {
		return nil, errors.New("approval router: user repository is required")
	}
	if err := deps.Thresholds.validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &approvalRouter{
		users:      deps.Users,
		thresholds: deps.Thresholds,
		logger:     logger,
	}, nil
}

func (r *approvalRouter) Route(ctx context.Context, order Order) (RoutingDecision, error) {
	total := order.Totals.GrandTotal

	var (
		tier  domain.RoleTier
		level int
	)
	switch {
	case total.Cmp(r.thresholds.AutoApproveBelow) < 0:
		return RoutingDecision{AutoApproved: true}, nil
	case total.Cmp(r.thresholds.SupervisorBelow) < 0:
		tier, level = domain.TierSupervisor, 1
	case total.Cmp(r.thresholds.ProcurementBelow) < 0:
		tier, level = domain.TierProcurement, 2
	default:
		tier, level = domain.TierExecutive, 3
	}

	decision := RoutingDecision{Tier: tier, Level: level}

	candidates, err := r.users.ListByTier(ctx, order.TenantID, tier)
	if err != nil {
		return RoutingDecision{}, fmt.Errorf("approval router: roster lookup: %w", err)
	}
	if len(candidates) > 0 {
		approver := candidates[0]
		decision.Approver = &approver
	} else {
		r.logger(ctx, "approval.router.no_candidate", map[string]any{
			"tenant": order.TenantID,
			"order":  order.ID,
			"tier":   string(tier),
		})
	}

	return decision, nil
}

func (r *approvalRouter) NeedsExecutiveReview(total decimal.Decimal) bool {
	return total.Cmp(r.thresholds.ExecutiveReviewAt) >= 0
}
