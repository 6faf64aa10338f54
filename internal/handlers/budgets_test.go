package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/procureline/api/internal/domain"
	"github.com/procureline/api/internal/platform/auth"
	"github.com/procureline/api/internal/services"
)

type stubLedgerService struct {
	commitFn func(context.Context, services.LedgerCommitCommand) error
	getFn    func(context.Context, string) (services.BudgetAllocation, error)
	listFn   func(context.Context, services.BudgetListFilter) (domain.CursorPage[services.BudgetAllocation], error)
}

func (s *stubLedgerService) Commit(ctx context.Context, cmd services.LedgerCommitCommand) error {
	if s.commitFn != nil {
		return s.commitFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubLedgerService) GetAllocation(ctx context.Context, allocationID string) (services.BudgetAllocation, error) {
	if s.getFn != nil {
		return s.getFn(ctx, allocationID)
	}
	return services.BudgetAllocation{}, errors.New("not implemented")
}

func (s *stubLedgerService) ListAllocations(ctx context.Context, filter services.BudgetListFilter) (domain.CursorPage[services.BudgetAllocation], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.BudgetAllocation]{}, nil
}

func sampleAllocation(now time.Time) services.BudgetAllocation {
	costCenter := "cc-42"
	return services.BudgetAllocation{
		ID:           "bud_1",
		TenantID:     "tenant-1",
		CostCenterID: &costCenter,
		Period:       "2026-Q1",
		Allocated:    decimal.RequireFromString("50000.00"),
		Spent:        decimal.RequireFromString("12500.00"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestBudgetHandlersListAllocations(t *testing.T) {
	now := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)

	var captured services.BudgetListFilter
	service := &stubLedgerService{
		listFn: func(ctx context.Context, filter services.BudgetListFilter) (domain.CursorPage[services.BudgetAllocation], error) {
			captured = filter
			return domain.CursorPage[services.BudgetAllocation]{
				Items:         []services.BudgetAllocation{sampleAllocation(now)},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	handler := NewBudgetHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/budgets", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/budgets?period=2026-Q1&cost_center_id=cc-42&page_size=10", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), supervisorIdentity()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rr.Code, rr.Body.String())
	}

	if captured.TenantID != "tenant-1" || captured.Period != "2026-Q1" {
		t.Fatalf("unexpected filter: %#v", captured)
	}
	if captured.CostCenterID == nil || *captured.CostCenterID != "cc-42" {
		t.Fatalf("expected cost center cc-42, got %#v", captured.CostCenterID)
	}
	if captured.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.Pagination.PageSize)
	}

	var resp budgetListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 allocation, got %d", len(resp.Items))
	}
	allocation := resp.Items[0]
	if allocation.Allocated != "50000.00" || allocation.Spent != "12500.00" {
		t.Fatalf("unexpected amounts: %#v", allocation)
	}
	if allocation.Remaining != "37500.00" {
		t.Fatalf("expected remaining 37500.00, got %s", allocation.Remaining)
	}
	if resp.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token tok-next, got %s", resp.NextPageToken)
	}
}

func TestBudgetHandlersListAllocationsTenantLevelScope(t *testing.T) {
	var captured services.BudgetListFilter
	service := &stubLedgerService{
		listFn: func(ctx context.Context, filter services.BudgetListFilter) (domain.CursorPage[services.BudgetAllocation], error) {
			captured = filter
			return domain.CursorPage[services.BudgetAllocation]{}, nil
		},
	}

	handler := NewBudgetHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/budgets", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/budgets", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), supervisorIdentity()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.CostCenterID != nil {
		t.Fatalf("expected nil cost center filter, got %#v", captured.CostCenterID)
	}
}

func TestBudgetHandlersListAllocationsInvalidPageSize(t *testing.T) {
	handler := NewBudgetHandlers(nil, &stubLedgerService{})
	router := chi.NewRouter()
	router.Route("/budgets", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/budgets?page_size=abc", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), supervisorIdentity()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestBudgetHandlersGetAllocationSuccess(t *testing.T) {
	now := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	service := &stubLedgerService{
		getFn: func(ctx context.Context, allocationID string) (services.BudgetAllocation, error) {
			if allocationID != "bud_1" {
				t.Fatalf("unexpected allocation id %s", allocationID)
			}
			return sampleAllocation(now), nil
		},
	}

	handler := NewBudgetHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/budgets", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/budgets/bud_1", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), supervisorIdentity()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rr.Code, rr.Body.String())
	}

	var resp budgetResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Allocation.ID != "bud_1" || resp.Allocation.Period != "2026-Q1" {
		t.Fatalf("unexpected payload: %#v", resp.Allocation)
	}
}

func TestBudgetHandlersGetAllocationCrossTenantNotFound(t *testing.T) {
	now := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	service := &stubLedgerService{
		getFn: func(ctx context.Context, allocationID string) (services.BudgetAllocation, error) {
			allocation := sampleAllocation(now)
			allocation.TenantID = "tenant-2"
			return allocation, nil
		},
	}

	handler := NewBudgetHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/budgets", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/budgets/bud_1", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), supervisorIdentity()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestBudgetHandlersGetAllocationNotFound(t *testing.T) {
	service := &stubLedgerService{
		getFn: func(ctx context.Context, allocationID string) (services.BudgetAllocation, error) {
			return services.BudgetAllocation{}, services.ErrBudgetNotFound
		},
	}

	handler := NewBudgetHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/budgets", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/budgets/bud_missing", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), supervisorIdentity()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestBudgetHandlersServiceUnavailable(t *testing.T) {
	handler := NewBudgetHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/budgets", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), supervisorIdentity()))
	rr := httptest.NewRecorder()

	handler.listAllocations(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
