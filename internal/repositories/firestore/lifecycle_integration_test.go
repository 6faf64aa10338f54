//go:build integration

package firestore_test

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/procureline/api/internal/di"
	domain "github.com/procureline/api/internal/domain"
	pconfig "github.com/procureline/api/internal/platform/config"
	pfirestore "github.com/procureline/api/internal/platform/firestore"
	repofirestore "github.com/procureline/api/internal/repositories/firestore"
	"github.com/procureline/api/internal/services"
)

// Runs the order lifecycle through the real Firestore transaction, not a stub
// unit of work: the emulator enforces the client's read-before-write rule
// inside transactions, so a ledger read issued after the order insert would
// fail here even though stub-backed service tests cannot catch it.
func TestOrderLifecycleThroughFirestore(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	defer stopContainer(containerID)
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "test-project",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	registry, err := repofirestore.NewRegistry(provider, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC()
	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("firestore client: %v", err)
	}

	// Seed the catalog and the approver roster directly; the lifecycle only
	// reads them.
	if _, err := client.Collection("products").Doc("prd_chair").Set(ctx, map[string]any{
		"tenantId":    "tnt_e2e",
		"sku":         "CHAIR-1",
		"name":        "Task Chair",
		"unitPrice":   "100.00",
		"isAvailable": true,
		"updatedAt":   now,
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if _, err := client.Collection("users").Doc("usr_sup").Set(ctx, map[string]any{
		"tenantId":    "tnt_e2e",
		"displayName": "Supervisor",
		"email":       "sup@example.com",
		"tiers":       []string{string(domain.TierSupervisor)},
		"isActive":    true,
		"createdAt":   now,
		"updatedAt":   now,
	}); err != nil {
		t.Fatalf("seed approver: %v", err)
	}

	cfg := pconfig.Config{
		Approvals: pconfig.ApprovalConfig{
			AutoApproveBelow:  decimal.RequireFromString("5000"),
			SupervisorBelow:   decimal.RequireFromString("20000"),
			ProcurementBelow:  decimal.RequireFromString("50000"),
			ExecutiveReviewAt: decimal.RequireFromString("100000"),
		},
		Pricing:      pconfig.PricingConfig{TaxRate: decimal.RequireFromString("0.15")},
		Installments: pconfig.InstallmentConfig{PeriodEndMonth: 11, DueDayOfMonth: 10},
	}
	container, err := di.NewContainer(ctx, cfg, registry, di.Deps{})
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}

	costCenter := "cc_e2e"

	// Below the auto-approve threshold: the create transaction must land the
	// order APPROVED together with its ledger commit.
	order, err := container.Services.Orders.CreateOrder(ctx, services.CreateOrderCommand{
		TenantID:     "tnt_e2e",
		RequesterID:  "usr_req",
		CostCenterID: &costCenter,
		Currency:     "USD",
		PaymentType:  domain.PaymentTypeImmediate,
		Items: []services.CreateOrderItem{
			{ProductID: "prd_chair", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("auto-approved create failed: %v", err)
	}
	if order.Status != domain.OrderStatusApproved {
		t.Fatalf("expected approved, got %s", order.Status)
	}
	// 200.00 + 30.00 tax
	period := services.FiscalPeriod(order.CreatedAt)
	alloc, err := registry.Budgets().FindByScope(ctx, "tnt_e2e", &costCenter, period)
	if err != nil {
		t.Fatalf("allocation after auto-approve: %v", err)
	}
	if !alloc.Spent.Equal(decimal.RequireFromString("230.00")) {
		t.Fatalf("expected spent 230.00, got %s", alloc.Spent)
	}

	stored, err := registry.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("load auto-approved order: %v", err)
	}
	if !stored.LedgerCommitted {
		t.Fatal("expected ledger committed flag persisted")
	}

	// Above the threshold: PENDING plus a routed approval request, then a
	// manual approve transition commits the ledger atomically.
	routed, err := container.Services.Orders.CreateOrder(ctx, services.CreateOrderCommand{
		TenantID:     "tnt_e2e",
		RequesterID:  "usr_req",
		CostCenterID: &costCenter,
		Currency:     "USD",
		PaymentType:  domain.PaymentTypeImmediate,
		Items: []services.CreateOrderItem{
			{ProductID: "prd_chair", Quantity: 100},
		},
	})
	if err != nil {
		t.Fatalf("routed create failed: %v", err)
	}
	if routed.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", routed.Status)
	}

	request, err := registry.Approvals().FindActiveByOrder(ctx, routed.ID)
	if err != nil {
		t.Fatalf("active approval request: %v", err)
	}
	if request.Tier != domain.TierSupervisor || request.ApproverID == nil || *request.ApproverID != "usr_sup" {
		t.Fatalf("unexpected routing %+v", request)
	}

	approved, err := container.Services.Orders.Transition(ctx, services.TransitionCommand{
		OrderID: routed.ID,
		Event:   services.EventApprove,
		ActorID: "usr_sup",
	})
	if err != nil {
		t.Fatalf("approve transition failed: %v", err)
	}
	if approved.Status != domain.OrderStatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	alloc, err = registry.Budgets().FindByScope(ctx, "tnt_e2e", &costCenter, period)
	if err != nil {
		t.Fatalf("allocation after manual approve: %v", err)
	}
	// 230.00 + 11500.00
	if !alloc.Spent.Equal(decimal.RequireFromString("11730.00")) {
		t.Fatalf("expected spent 11730.00, got %s", alloc.Spent)
	}

	// The reservation sentinel holds the number, so re-claiming it conflicts.
	if err := registry.Orders().ReserveNumber(ctx, order.OrderNumber, "ord_other"); err == nil {
		t.Fatal("expected order number reservation to conflict")
	}
}
