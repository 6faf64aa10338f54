package services

import (
	"context"
	"testing"

	domain "github.com/procureline/api/internal/domain"
)

func routerOrder(total string) Order {
	return Order{
		ID:       "ord_route",
		TenantID: "tnt_1",
		Totals:   domain.OrderTotals{GrandTotal: money(total)},
	}
}

func TestApprovalRouterTierBands(t *testing.T) {
	ctx := context.Background()
	users := &stubUserRepo{roster: map[domain.RoleTier][]domain.UserProfile{
		domain.TierSupervisor:  {testUser("usr_sup", "tnt_1", domain.TierSupervisor)},
		domain.TierProcurement: {testUser("usr_proc", "tnt_1", domain.TierProcurement)},
		domain.TierExecutive:   {testUser("usr_exec", "tnt_1", domain.TierExecutive)},
	}}

	router, err := NewApprovalRouter(ApprovalRouterDeps{Users: users, Thresholds: DefaultApprovalThresholds()})
	if err != nil {
		t.Fatalf("new approval router: %v", err)
	}

	cases := []struct {
		total    string
		auto     bool
		tier     domain.RoleTier
		level    int
		approver string
	}{
		{"4999.99", true, "", 0, ""},
		{"5000.00", false, domain.TierSupervisor, 1, "usr_sup"},
		{"19999.99", false, domain.TierSupervisor, 1, "usr_sup"},
		{"20000.00", false, domain.TierProcurement, 2, "usr_proc"},
		{"25000.00", false, domain.TierProcurement, 2, "usr_proc"},
		{"50000.00", false, domain.TierExecutive, 3, "usr_exec"},
		{"250000.00", false, domain.TierExecutive, 3, "usr_exec"},
	}
	for _, tc := range cases {
		decision, err := router.Route(ctx, routerOrder(tc.total))
		if err != nil {
			t.Fatalf("route %s: %v", tc.total, err)
		}
		if decision.AutoApproved != tc.auto {
			t.Fatalf("total %s: expected auto=%v, got %v", tc.total, tc.auto, decision.AutoApproved)
		}
		if tc.auto {
			continue
		}
		if decision.Tier != tc.tier || decision.Level != tc.level {
			t.Fatalf("total %s: expected %s/%d, got %s/%d", tc.total, tc.tier, tc.level, decision.Tier, decision.Level)
		}
		if decision.Approver == nil || decision.Approver.ID != tc.approver {
			t.Fatalf("total %s: expected approver %s, got %v", tc.total, tc.approver, decision.Approver)
		}
	}
}

func TestApprovalRouterNoCandidate(t *testing.T) {
	ctx := context.Background()
	users := &stubUserRepo{roster: map[domain.RoleTier][]domain.UserProfile{}}

	var logged []string
	router, err := NewApprovalRouter(ApprovalRouterDeps{
		Users:      users,
		Thresholds: DefaultApprovalThresholds(),
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("new approval router: %v", err)
	}

	decision, err := router.Route(ctx, routerOrder("7500.00"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Approver != nil {
		t.Fatalf("expected unassigned request, got approver %v", decision.Approver)
	}
	if decision.Tier != domain.TierSupervisor {
		t.Fatalf("expected supervisor tier, got %s", decision.Tier)
	}
	if len(logged) != 1 || logged[0] != "approval.router.no_candidate" {
		t.Fatalf("expected no-candidate log event, got %v", logged)
	}
}

func TestApprovalRouterExecutiveReviewThreshold(t *testing.T) {
	users := &stubUserRepo{roster: map[domain.RoleTier][]domain.UserProfile{}}
	router, err := NewApprovalRouter(ApprovalRouterDeps{Users: users, Thresholds: DefaultApprovalThresholds()})
	if err != nil {
		t.Fatalf("new approval router: %v", err)
	}

	if router.NeedsExecutiveReview(money("99999.99")) {
		t.Fatal("below the threshold must not trigger review")
	}
	if !router.NeedsExecutiveReview(money("100000.00")) {
		t.Fatal("at the threshold must trigger review")
	}
}

func TestApprovalRouterThresholdValidation(t *testing.T) {
	users := &stubUserRepo{}

	bad := DefaultApprovalThresholds()
	bad.SupervisorBelow = money("1000.00")
	if _, err := NewApprovalRouter(ApprovalRouterDeps{Users: users, Thresholds: bad}); err == nil {
		t.Fatal("expected non-monotonic thresholds to be rejected")
	}
}
