//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/procureline/api/internal/domain"
	pconfig "github.com/procureline/api/internal/platform/config"
	pfirestore "github.com/procureline/api/internal/platform/firestore"
	"github.com/procureline/api/internal/repositories"
	repofirestore "github.com/procureline/api/internal/repositories/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestRegistryIntegration(t *testing.T) {
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	order := domain.Order{
		ID:          "ord_itest_1",
		OrderNumber: "PO-20260228-ABCDEF",
		TenantID:    "tnt_itest",
		RequesterID: "usr_itest",
		Status:      domain.OrderStatusPending,
		PaymentType: domain.PaymentTypeImmediate,
		Currency:    "USD",
		Items: []domain.OrderLineItem{{
			ID:        "itm_1",
			ProductID: "prd_1",
			Name:      "Task Chair",
			Quantity:  2,
			UnitPrice: decimal.RequireFromString("100.00"),
			Subtotal:  decimal.RequireFromString("200.00"),
		}},
		Totals: domain.OrderTotals{
			Subtotal:   decimal.RequireFromString("200.00"),
			Tax:        decimal.RequireFromString("30.00"),
			Shipping:   decimal.RequireFromString("5.00"),
			GrandTotal: decimal.RequireFromString("235.00"),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := registry.Orders().Insert(ctx, order); err != nil {
		t.Fatalf("order insert failed: %v", err)
	}

	// Duplicate insert must classify as a conflict.
	if err := registry.Orders().Insert(ctx, order); err == nil {
		t.Fatal("expected duplicate insert to fail")
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected conflict classification, got %v", err)
		}
	}

	loaded, err := registry.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("order get failed: %v", err)
	}
	if !loaded.Totals.GrandTotal.Equal(order.Totals.GrandTotal) {
		t.Fatalf("grand total round-trip mismatch: %s", loaded.Totals.GrandTotal)
	}
	if len(loaded.Items) != 1 || !loaded.Items[0].UnitPrice.Equal(order.Items[0].UnitPrice) {
		t.Fatalf("line items did not round-trip: %#v", loaded.Items)
	}

	byNumber, err := registry.Orders().FindByOrderNumber(ctx, order.TenantID, order.OrderNumber)
	if err != nil {
		t.Fatalf("find by order number failed: %v", err)
	}
	if byNumber.ID != order.ID {
		t.Fatalf("expected %s, got %s", order.ID, byNumber.ID)
	}

	// Transactional read-modify-write through the unit of work.
	if err := registry.RunInTx(ctx, func(ctx context.Context) error {
		current, err := registry.Orders().FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		current.Status = domain.OrderStatusApproved
		return registry.Orders().Update(ctx, current)
	}); err != nil {
		t.Fatalf("unit of work failed: %v", err)
	}

	loaded, err = registry.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("order get after tx failed: %v", err)
	}
	if loaded.Status != domain.OrderStatusApproved {
		t.Fatalf("expected approved, got %s", loaded.Status)
	}

	// Budget scope lookups distinguish nil and concrete cost centers.
	costCenter := "cc_eng"
	alloc := domain.BudgetAllocation{
		ID:           "bud_itest_1",
		TenantID:     "tnt_itest",
		CostCenterID: &costCenter,
		Period:       "2026",
		Allocated:    decimal.RequireFromString("10000"),
		Spent:        decimal.RequireFromString("235.00"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := registry.Budgets().Upsert(ctx, alloc); err != nil {
		t.Fatalf("budget upsert failed: %v", err)
	}

	found, err := registry.Budgets().FindByScope(ctx, "tnt_itest", &costCenter, "2026")
	if err != nil {
		t.Fatalf("find by scope failed: %v", err)
	}
	if !found.Spent.Equal(alloc.Spent) {
		t.Fatalf("spent round-trip mismatch: %s", found.Spent)
	}

	if _, err := registry.Budgets().FindByScope(ctx, "tnt_itest", nil, "2026"); err == nil {
		t.Fatal("expected tenant-level scope to miss cost-center allocation")
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			t.Fatalf("expected not found classification, got %v", err)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
