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

// ApprovalHandlers exposes the read surface over approval requests. Requests
// are resolved through the order lifecycle endpoints, never directly here.
type ApprovalHandlers struct {
	authn     *auth.Authenticator
	approvals services.ApprovalService
}

// NewApprovalHandlers constructs a new ApprovalHandlers instance.
func NewApprovalHandlers(authn *auth.Authenticator, approvals services.ApprovalService) *ApprovalHandlers {
	return &ApprovalHandlers{
		authn:     authn,
		approvals: approvals,
	}
}

// Routes registers the /approvals endpoints.
func (h *ApprovalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(domain.TierSupervisor))
	}
	r.Get("/", h.listRequests)
	r.Get("/{requestID}", h.getRequest)
}

func (h *ApprovalHandlers) listRequests(w http.ResponseWriter, r *http.Request) {
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

	// Supervisors see only requests routed to them; executives may browse the
	// tenant-wide queue and filter by approver.
	approverID := identity.UID
	if identity.HoldsTier(domain.TierExecutive) {
		approverID = strings.TrimSpace(query.Get("approver_id"))
	}

	filter := services.ApprovalListFilter{
		TenantID:   identity.TenantID,
		ApproverID: approverID,
		Status:     parseFilterValues(query["status"]),
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.approvals.ListRequests(ctx, filter)
	if err != nil {
		writeApprovalError(ctx, w, err)
		return
	}

	items := make([]approvalRequestPayload, 0, len(page.Items))
	for _, request := range page.Items {
		items = append(items, buildApprovalPayload(request))
	}

	writeJSONResponse(w, http.StatusOK, approvalListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *ApprovalHandlers) getRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	if requestID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request id is required", http.StatusBadRequest))
		return
	}

	request, err := h.approvals.GetRequest(ctx, requestID)
	if err != nil {
		writeApprovalError(ctx, w, err)
		return
	}

	if !h.canViewRequest(identity, request) {
		httpx.WriteError(ctx, w, httpx.NewError("approval_not_found", "approval request not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, approvalResponse{Request: buildApprovalPayload(request)})
}

func (h *ApprovalHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.approvals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("approval_service_unavailable", "approval service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *ApprovalHandlers) canViewRequest(identity *auth.Identity, request services.ApprovalRequest) bool {
	if !strings.EqualFold(strings.TrimSpace(request.TenantID), strings.TrimSpace(identity.TenantID)) {
		return false
	}
	if identity.HoldsTier(domain.TierExecutive) {
		return true
	}
	if request.ApproverID == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(*request.ApproverID), strings.TrimSpace(identity.UID))
}

type approvalListResponse struct {
	Items         []approvalRequestPayload `json:"items"`
	NextPageToken string                   `json:"next_page_token,omitempty"`
}

type approvalResponse struct {
	Request approvalRequestPayload `json:"request"`
}

type approvalRequestPayload struct {
	ID          string  `json:"id"`
	OrderID     string  `json:"order_id"`
	OrderNumber string  `json:"order_number"`
	RequesterID string  `json:"requester_id"`
	ApproverID  *string `json:"approver_id"`
	Tier        string  `json:"tier"`
	Level       int     `json:"level"`
	Amount      string  `json:"amount"`
	Status      string  `json:"status"`
	Comments    *string `json:"comments,omitempty"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
	ResolvedAt  string  `json:"resolved_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at,omitempty"`
}

func buildApprovalPayload(request services.ApprovalRequest) approvalRequestPayload {
	return approvalRequestPayload{
		ID:          strings.TrimSpace(request.ID),
		OrderID:     strings.TrimSpace(request.OrderID),
		OrderNumber: strings.TrimSpace(request.OrderNumber),
		RequesterID: strings.TrimSpace(request.RequesterID),
		ApproverID:  cloneStringPointer(request.ApproverID),
		Tier:        strings.TrimSpace(string(request.Tier)),
		Level:       request.Level,
		Amount:      request.Amount.StringFixed(2),
		Status:      strings.TrimSpace(string(request.Status)),
		Comments:    cloneStringPointer(request.Comments),
		ResolvedBy:  cloneStringPointer(request.ResolvedBy),
		ResolvedAt:  formatTime(pointerTime(request.ResolvedAt)),
		CreatedAt:   formatTime(request.CreatedAt),
		UpdatedAt:   formatTime(request.UpdatedAt),
	}
}

func writeApprovalError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrApprovalInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrApprovalNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("approval_not_found", "approval request not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("approval_error", "failed to process approval request", http.StatusInternalServerError))
	}
}
