package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/procureline/api/internal/domain"
	"github.com/procureline/api/internal/platform/auth"
	"github.com/procureline/api/internal/platform/httpx"
	"github.com/procureline/api/internal/services"
)

// BudgetHandlers exposes the read surface over budget allocations. Spend is
// committed exclusively by the lifecycle engine.
type BudgetHandlers struct {
	authn  *auth.Authenticator
	ledger services.LedgerService
}

// NewBudgetHandlers constructs a new BudgetHandlers instance.
func NewBudgetHandlers(authn *auth.Authenticator, ledger services.LedgerService) *BudgetHandlers {
	return &BudgetHandlers{
		authn:  authn,
		ledger: ledger,
	}
}

// Routes registers the /budgets endpoints.
func (h *BudgetHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(domain.TierSupervisor))
	}
	r.Get("/", h.listAllocations)
	r.Get("/{allocationID}", h.getAllocation)
}

func (h *BudgetHandlers) listAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	filter := services.BudgetListFilter{
		TenantID: identity.TenantID,
		Period:   strings.TrimSpace(query.Get("period")),
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}
	if raw := strings.TrimSpace(query.Get("cost_center_id")); raw != "" {
		filter.CostCenterID = &raw
	}

	page, err := h.ledger.ListAllocations(ctx, filter)
	if err != nil {
		writeBudgetError(ctx, w, err)
		return
	}

	items := make([]budgetAllocationPayload, 0, len(page.Items))
	for _, allocation := range page.Items {
		items = append(items, buildBudgetPayload(allocation))
	}

	writeJSONResponse(w, http.StatusOK, budgetListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *BudgetHandlers) getAllocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	allocationID := strings.TrimSpace(chi.URLParam(r, "allocationID"))
	if allocationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "allocation id is required", http.StatusBadRequest))
		return
	}

	allocation, err := h.ledger.GetAllocation(ctx, allocationID)
	if err != nil {
		writeBudgetError(ctx, w, err)
		return
	}

	if !strings.EqualFold(strings.TrimSpace(allocation.TenantID), strings.TrimSpace(identity.TenantID)) {
		httpx.WriteError(ctx, w, httpx.NewError("budget_not_found", "budget allocation not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, budgetResponse{Allocation: buildBudgetPayload(allocation)})
}

func (h *BudgetHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("budget_service_unavailable", "budget service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type budgetListResponse struct {
	Items         []budgetAllocationPayload `json:"items"`
	NextPageToken string                    `json:"next_page_token,omitempty"`
}

type budgetResponse struct {
	Allocation budgetAllocationPayload `json:"allocation"`
}

type budgetAllocationPayload struct {
	ID           string  `json:"id"`
	CostCenterID *string `json:"cost_center_id"`
	Period       string  `json:"period"`
	Allocated    string  `json:"allocated"`
	Spent        string  `json:"spent"`
	Remaining    string  `json:"remaining"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at,omitempty"`
}

func buildBudgetPayload(allocation services.BudgetAllocation) budgetAllocationPayload {
	return budgetAllocationPayload{
		ID:           strings.TrimSpace(allocation.ID),
		CostCenterID: cloneStringPointer(allocation.CostCenterID),
		Period:       strings.TrimSpace(allocation.Period),
		Allocated:    allocation.Allocated.StringFixed(2),
		Spent:        allocation.Spent.StringFixed(2),
		Remaining:    allocation.Remaining().StringFixed(2),
		CreatedAt:    formatTime(allocation.CreatedAt),
		UpdatedAt:    formatTime(allocation.UpdatedAt),
	}
}

func writeBudgetError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrLedgerInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrBudgetNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("budget_not_found", "budget allocation not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("budget_error", "failed to process budget request", http.StatusInternalServerError))
	}
}
